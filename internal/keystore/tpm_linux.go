//go:build linux

// TPM2-sealed master-key provider. The master key is generated once,
// sealed to the platform's PCR state, and stored as a blob on disk; only
// the same device in the same boot configuration can unseal it.
package keystore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// TPM device paths in order of preference.
var tpmDevicePaths = []string{
	"/dev/tpmrm0", // TPM Resource Manager (preferred)
	"/dev/tpm0",   // Direct TPM access (fallback)
}

// sealPCRs is the PCR set the key is bound to: firmware (0) and secure
// boot state (7).
var sealPCRs = []uint{0, 7}

// ErrTPMUnavailable is returned when no usable TPM device exists.
var ErrTPMUnavailable = errors.New("keystore: no TPM device available")

// TPMProvider seals the master key to a TPM 2.0 device.
type TPMProvider struct {
	// BlobPath is where the sealed blob lives.
	BlobPath string

	devicePath string
}

// Name implements Provider.
func (p *TPMProvider) Name() string { return "tpm" }

// Available reports whether a TPM device can be opened.
func (p *TPMProvider) Available() bool {
	return p.findDevice() != ""
}

func (p *TPMProvider) findDevice() string {
	if p.devicePath != "" {
		return p.devicePath
	}
	for _, path := range tpmDevicePaths {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err == nil {
			f.Close()
			p.devicePath = path
			return path
		}
	}
	return ""
}

// MasterKey implements Provider. An existing blob is unsealed; otherwise
// a fresh key is generated, sealed, and the blob persisted.
func (p *TPMProvider) MasterKey() ([]byte, error) {
	device := p.findDevice()
	if device == "" {
		return nil, ErrTPMUnavailable
	}

	t, err := transport.OpenTPM(device)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	defer t.Close()

	blob, err := os.ReadFile(p.BlobPath)
	if err == nil {
		return unseal(t, blob)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read sealed blob: %w", err)
	}

	key, err := NewRandomKey()
	if err != nil {
		return nil, err
	}
	blob, err = seal(t, key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p.BlobPath), 0700); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.WriteFile(p.BlobPath, blob, 0600); err != nil {
		return nil, fmt.Errorf("write sealed blob: %w", err)
	}
	return key, nil
}

// seal creates a keyed-hash object holding data under a fresh SRK with a
// PCR policy. The blob is len(pub) || pub || len(priv) || priv.
func seal(t transport.TPM, data []byte) ([]byte, error) {
	srk, err := createSRK(t)
	if err != nil {
		return nil, fmt.Errorf("create SRK: %w", err)
	}
	defer flush(t, srk)

	session, policyDigest, err := startPCRPolicy(t)
	if err != nil {
		return nil, fmt.Errorf("PCR policy: %w", err)
	}
	defer flush(t, session)

	createCmd := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				Data: tpm2.NewTPMUSensitiveCreate(
					&tpm2.TPM2BSensitiveData{Buffer: data},
				),
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:     true,
				FixedParent:  true,
				UserWithAuth: false,
			},
			AuthPolicy: tpm2.TPM2BDigest{Buffer: policyDigest},
		}),
	}

	rsp, err := createCmd.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	pubBytes := tpm2.Marshal(rsp.OutPublic)
	privBytes := tpm2.Marshal(rsp.OutPrivate)

	blob := make([]byte, 4+len(pubBytes)+4+len(privBytes))
	binary.BigEndian.PutUint32(blob[0:4], uint32(len(pubBytes)))
	copy(blob[4:], pubBytes)
	offset := 4 + len(pubBytes)
	binary.BigEndian.PutUint32(blob[offset:offset+4], uint32(len(privBytes)))
	copy(blob[offset+4:], privBytes)
	return blob, nil
}

// unseal reverses seal. A PCR mismatch (boot configuration change)
// surfaces as an Unseal failure.
func unseal(t transport.TPM, blob []byte) ([]byte, error) {
	if len(blob) < 8 {
		return nil, errors.New("sealed blob too short")
	}
	pubLen := binary.BigEndian.Uint32(blob[0:4])
	if len(blob) < int(4+pubLen+4) {
		return nil, errors.New("sealed blob corrupted")
	}
	pubBytes := blob[4 : 4+pubLen]
	offset := 4 + pubLen
	privLen := binary.BigEndian.Uint32(blob[offset : offset+4])
	if len(blob) < int(offset+4+privLen) {
		return nil, errors.New("sealed blob corrupted")
	}
	privBytes := blob[offset+4 : offset+4+privLen]

	outPublic, err := tpm2.Unmarshal[tpm2.TPM2BPublic](pubBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal public: %w", err)
	}

	srk, err := createSRK(t)
	if err != nil {
		return nil, fmt.Errorf("create SRK: %w", err)
	}
	defer flush(t, srk)

	loadCmd := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic:  *outPublic,
		InPrivate: tpm2.TPM2BPrivate{Buffer: privBytes},
	}
	loadRsp, err := loadCmd.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	defer flush(t, loadRsp.ObjectHandle)

	session, closeSession, err := tpm2.PolicySession(t, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, fmt.Errorf("PCR policy session: %w", err)
	}
	defer closeSession()

	pcrSel := tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{
			{
				Hash:      tpm2.TPMAlgSHA256,
				PCRSelect: tpm2.PCClientCompatible.PCRs(sealPCRs...),
			},
		},
	}
	policyCmd := tpm2.PolicyPCR{
		PolicySession: session.Handle(),
		Pcrs:          pcrSel,
	}
	if _, err := policyCmd.Execute(t); err != nil {
		return nil, fmt.Errorf("PCR policy: %w", err)
	}

	unsealCmd := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: loadRsp.ObjectHandle,
			Auth:   session,
		},
	}
	rsp, err := unsealCmd.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("Unseal (PCR mismatch?): %w", err)
	}
	return rsp.OutData.Buffer, nil
}

// createSRK creates a transient ECC storage primary under the owner
// hierarchy.
func createSRK(t transport.TPM) (tpm2.TPMHandle, error) {
	cmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgECC,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				Restricted:          true,
				Decrypt:             true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCParms{
					CurveID: tpm2.TPMECCNistP256,
					Scheme: tpm2.TPMTECCScheme{
						Scheme: tpm2.TPMAlgNull,
					},
				},
			),
		}),
	}
	rsp, err := cmd.Execute(t)
	if err != nil {
		return 0, err
	}
	return rsp.ObjectHandle, nil
}

// startPCRPolicy opens a policy session bound to sealPCRs and returns the
// session handle plus its digest.
func startPCRPolicy(t transport.TPM) (tpm2.TPMHandle, []byte, error) {
	startCmd := tpm2.StartAuthSession{
		SessionType: tpm2.TPMSEPolicy,
		AuthHash:    tpm2.TPMAlgSHA256,
		TPMKey:      tpm2.TPMRHNull,
		Bind:        tpm2.TPMRHNull,
	}
	startRsp, err := startCmd.Execute(t)
	if err != nil {
		return 0, nil, err
	}
	session := startRsp.SessionHandle

	pcrSel := tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{
			{
				Hash:      tpm2.TPMAlgSHA256,
				PCRSelect: tpm2.PCClientCompatible.PCRs(sealPCRs...),
			},
		},
	}
	policyCmd := tpm2.PolicyPCR{
		PolicySession: session,
		Pcrs:          pcrSel,
	}
	if _, err := policyCmd.Execute(t); err != nil {
		flush(t, session)
		return 0, nil, err
	}

	digestCmd := tpm2.PolicyGetDigest{PolicySession: session}
	digestRsp, err := digestCmd.Execute(t)
	if err != nil {
		flush(t, session)
		return 0, nil, err
	}
	return session, digestRsp.PolicyDigest.Buffer, nil
}

func flush(t transport.TPM, handle tpm2.TPMHandle) {
	tpm2.FlushContext{FlushHandle: handle}.Execute(t)
}
