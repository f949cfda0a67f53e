package processor

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
)

// CommandTypeShutdownNow is the only command type the emergency entry
// point accepts.
const CommandTypeShutdownNow = "SHUTDOWN_NOW"

// EmergencyCommand is the signed out-of-band shutdown envelope a Wise
// Authority delivers when the normal runtime-control surface cannot be
// trusted or reached. WAPublicKey and Signature are base64-encoded raw
// Ed25519 key and signature bytes.
type EmergencyCommand struct {
	CommandID   string    `json:"command_id"`
	CommandType string    `json:"command_type"`
	WAID        string    `json:"wa_id"`
	WAPublicKey string    `json:"wa_public_key"`
	IssuedAt    time.Time `json:"issued_at"`
	Reason      string    `json:"reason"`
	Signature   string    `json:"signature"`
}

// signedFields is the canonical signing payload: every command field
// except the signature itself, in fixed order. Marshaling a struct keeps
// field order stable, so signer and verifier agree byte for byte.
type signedFields struct {
	CommandID   string    `json:"command_id"`
	CommandType string    `json:"command_type"`
	WAID        string    `json:"wa_id"`
	WAPublicKey string    `json:"wa_public_key"`
	IssuedAt    time.Time `json:"issued_at"`
	Reason      string    `json:"reason"`
}

// CanonicalBytes returns the bytes an Ed25519 signature over the command
// must cover.
func (c EmergencyCommand) CanonicalBytes() ([]byte, error) {
	return json.Marshal(signedFields{
		CommandID:   c.CommandID,
		CommandType: c.CommandType,
		WAID:        c.WAID,
		WAPublicKey: c.WAPublicKey,
		IssuedAt:    c.IssuedAt,
		Reason:      c.Reason,
	})
}

// SignEmergencyCommand fills in cmd.Signature with priv's signature over
// the canonical bytes. Exported for the Wise Authority tooling and tests
// that originate commands; the core itself only ever verifies.
func SignEmergencyCommand(cmd *EmergencyCommand, priv ed25519.PrivateKey) error {
	data, err := cmd.CanonicalBytes()
	if err != nil {
		return err
	}
	cmd.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data))
	return nil
}

// EmergencyShutdown verifies a signed SHUTDOWN_NOW command and, if valid,
// drives the processor to SHUTDOWN. Every rejection is recorded as a
// SECURITY_VIOLATION audit event before the error surfaces; an accepted
// command is recorded as an EMERGENCY_COMMAND receipt before any
// transition happens, so the audit trail shows the cause ahead of the
// effect.
func (p *Processor) EmergencyShutdown(ctx context.Context, cmd EmergencyCommand) error {
	if err := p.verifyEmergencyCommand(cmd); err != nil {
		_, _ = p.Chain.Append(ctx, audit.EventSecurityViolation, cmd.WAID, cmd.CommandID, map[string]interface{}{
			"command_type": cmd.CommandType,
			"reason":       err.Error(),
		})
		return ciris.NewFrameworkError("processor.emergency_shutdown", ciris.KindSecurityViolation, err)
	}

	_, _ = p.Chain.Append(ctx, audit.EventEmergencyCommand, cmd.WAID, cmd.CommandID, map[string]interface{}{
		"command_type": cmd.CommandType,
		"reason":       cmd.Reason,
		"issued_at":    cmd.IssuedAt,
	})
	p.logger.Warn("emergency shutdown accepted", map[string]interface{}{
		"command_id": cmd.CommandID,
		"wa_id":      cmd.WAID,
		"reason":     cmd.Reason,
	})

	if p.running.Load() {
		return p.Stop(ctx)
	}
	if err := p.transitionTo(StateShutdown); err != nil {
		return err
	}
	_, _ = p.Chain.Append(ctx, audit.EventShutdown, "processor", cmd.CommandID, nil)
	return nil
}

func (p *Processor) verifyEmergencyCommand(cmd EmergencyCommand) error {
	if cmd.CommandType != CommandTypeShutdownNow {
		return fmt.Errorf("unexpected command type %q", cmd.CommandType)
	}

	allowed := false
	for _, key := range p.Security.ShutdownAllowlist {
		if key == cmd.WAPublicKey {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("signer key not in allow-list: %w", ciris.ErrSignatureInvalid)
	}

	window := p.Security.ShutdownValidWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	skew := p.Clock.Now().Sub(cmd.IssuedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return fmt.Errorf("command issued_at outside validity window (%s off)", skew)
	}

	pubBytes, err := base64.StdEncoding.DecodeString(cmd.WAPublicKey)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("malformed wa_public_key: %w", ciris.ErrSignatureInvalid)
	}
	sig, err := base64.StdEncoding.DecodeString(cmd.Signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", ciris.ErrSignatureInvalid)
	}
	data, err := cmd.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), data, sig) {
		return ciris.ErrSignatureInvalid
	}
	return nil
}
