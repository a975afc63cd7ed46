package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"shizukud/internal/ipc"
	"shizukud/internal/store"
)

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func cmdStatus(client *ipc.Client) error {
	var status ipc.StatusResponse
	if err := client.Call(ipc.MsgStatus, struct{}{}, &status); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(status)
	}

	fmt.Printf("shizukud %s (protocol %d)\n", status.Version, status.ProtocolVersion)
	fmt.Printf("  started:   %s\n", time.UnixMilli(status.StartedAt).Format(time.RFC3339))
	fmt.Printf("  users:     %v\n", status.Users)
	fmt.Printf("  sessions:  %d\n", status.ActiveSessions)
	fmt.Printf("  processes: %d\n", status.LiveProcesses)
	return nil
}

func cmdList(client *ipc.Client, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	user := fs.Int("user", 0, "user id")
	fs.Parse(args)

	var resp ipc.ListGrantsResponse
	if err := client.Call(ipc.MsgListGrants, ipc.UserPayload{UserID: *user}, &resp); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(resp)
	}

	if len(resp.Grants) == 0 {
		fmt.Printf("no grant records for user %d\n", *user)
		return nil
	}
	fmt.Printf("%-40s %-8s %-8s %-6s %s\n", "PACKAGE", "APPID", "GRANTED", "FLAGS", "GRANTED AT")
	for _, g := range resp.Grants {
		fmt.Printf("%-40s %-8d %-8v 0x%-4x %s\n",
			g.PackageName, g.AppID, g.Granted, g.Flags, formatMillis(g.GrantedAt))
	}
	return nil
}

func cmdGet(client *ipc.Client, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	user := fs.Int("user", 0, "user id")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: shizukuctl get -user <id> <package>")
	}

	var resp ipc.GetMyPermissionResponse
	req := ipc.PackageUserPayload{PackageName: fs.Arg(0), UserID: *user}
	if err := client.Call(ipc.MsgGetPermission, req, &resp); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(resp)
	}

	if resp.Grant == nil {
		fmt.Printf("no record for %s in user %d\n", fs.Arg(0), *user)
		return nil
	}
	g := resp.Grant
	fmt.Printf("package:    %s\n", g.PackageName)
	fmt.Printf("app id:     %d\n", g.AppID)
	fmt.Printf("user:       %d\n", g.UserID)
	fmt.Printf("granted:    %v\n", g.Granted)
	fmt.Printf("granted at: %s\n", formatMillis(g.GrantedAt))
	fmt.Printf("expires at: %s\n", formatExpiry(g.ExpiresAt))
	fmt.Printf("flags:      0x%x\n", g.Flags)
	if g.Scope != "" {
		fmt.Printf("scope:      %s\n", g.Scope)
	}
	return nil
}

func cmdRevoke(client *ipc.Client, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	user := fs.Int("user", 0, "user id")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: shizukuctl revoke -user <id> <package>")
	}

	req := ipc.PackageUserPayload{PackageName: fs.Arg(0), UserID: *user}
	if err := client.Call(ipc.MsgRevokePermission, req, nil); err != nil {
		return err
	}
	fmt.Printf("revoked %s for user %d\n", fs.Arg(0), *user)
	return nil
}

func cmdRevokeAll(client *ipc.Client, args []string) error {
	fs := flag.NewFlagSet("revoke-all", flag.ExitOnError)
	user := fs.Int("user", 0, "user id")
	fs.Parse(args)

	if err := client.Call(ipc.MsgRevokeAllPermissions, ipc.UserPayload{UserID: *user}, nil); err != nil {
		return err
	}
	fmt.Printf("revoked all grants for user %d\n", *user)
	return nil
}

func cmdAudit(client *ipc.Client, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	user := fs.Int("user", 0, "user id")
	pkg := fs.String("package", "", "filter by package")
	fs.Parse(args)

	var resp ipc.AuditLogResponse
	req := ipc.AuditLogPayload{PackageName: *pkg, UserID: *user}
	if err := client.Call(ipc.MsgGetAuditLog, req, &resp); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(resp)
	}

	if len(resp.Events) == 0 {
		fmt.Printf("no audit events for user %d\n", *user)
		return nil
	}
	for _, e := range resp.Events {
		line := fmt.Sprintf("%s  %-7s %-40s uid=%d",
			formatMillis(e.EventAt), store.EventTypeName(e.EventType),
			e.PackageName, e.AppID)
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Println(line)
	}
	return nil
}

func cmdWatch(client *ipc.Client) error {
	events := make(chan ipc.PermissionEventPayload, 16)
	client.PushHandler = func(msg *ipc.Message) {
		if msg.Header.Type != ipc.MsgPermissionEvent {
			return
		}
		var ev ipc.PermissionEventPayload
		if err := ipc.Unmarshal(msg, &ev); err == nil {
			events <- ev
		}
	}

	if err := client.Call(ipc.MsgSubscribe, struct{}{}, nil); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "watching permission changes (ctrl-c to stop)")

	for ev := range events {
		state := "revoked"
		if ev.Granted {
			state = "granted"
		}
		fmt.Printf("%s  %-40s user=%d %s\n",
			time.Now().Format(time.RFC3339), ev.PackageName, ev.UserID, state)
	}
	return nil
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func formatExpiry(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return formatMillis(ms)
}
