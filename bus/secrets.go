package bus

import "context"

// SecretsBus seals and unseals the actual secret material a FilterBus
// reference points at. Kept as its own bus kind because Filter and
// Secrets have different
// trust boundaries: Filter only ever sees redacted content, Secrets holds
// the plaintext.
type SecretsBus struct {
	Bus
	Policy RetryPolicy
}

// NewSecretsBus builds a SecretsBus.
func NewSecretsBus(b Bus) *SecretsBus {
	return &SecretsBus{Bus: b, Policy: FileLikePolicy()}
}

func (sb *SecretsBus) Seal(ctx context.Context, plaintext string) (SecretRef, error) {
	var ref SecretRef
	err := dispatch(ctx, sb.Bus, "secrets.seal", sb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(SecretsProvider)
		if !ok {
			return &NoProviderError{Capability: "secrets.seal"}
		}
		r, err := provider.Seal(ctx, plaintext)
		if err != nil {
			return err
		}
		ref = r
		return nil
	})
	return ref, err
}

func (sb *SecretsBus) Unseal(ctx context.Context, ref SecretRef) (string, error) {
	var plaintext string
	err := dispatch(ctx, sb.Bus, "secrets.unseal", sb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(SecretsProvider)
		if !ok {
			return &NoProviderError{Capability: "secrets.unseal"}
		}
		s, err := provider.Unseal(ctx, ref)
		if err != nil {
			return err
		}
		plaintext = s
		return nil
	})
	return plaintext, err
}
