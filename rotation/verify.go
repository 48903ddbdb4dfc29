package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/fieldkey/fieldcrypt"
)

const canaryPrefix = "fieldkey-canary:"

// verify checks the new key version of rec before it is committed. A canary
// value always round-trips under the new version. With VerifySample set, the
// sampler's envelopes that were written under the new version must decrypt;
// envelopes under other versions are not evidence either way and are
// skipped. It returns the number of sampled envelopes checked.
func (o *Orchestrator) verify(ctx context.Context, rec *Record, opts CompleteOptions) (int, error) {
	canary := canaryPrefix + rec.ID
	env, err := o.cipher.Encrypt(ctx, rec.Owner, rec.NewVersion, canary)
	if err != nil {
		return 0, &VerificationError{RecordID: rec.ID, Version: rec.NewVersion, Checked: 1, Failed: 1, Cause: err}
	}
	got, err := o.cipher.Open(ctx, rec.Owner, env, rec.NewVersion)
	if err != nil || got != canary {
		if err == nil {
			err = errors.New("canary mismatch")
		}
		return 0, &VerificationError{RecordID: rec.ID, Version: rec.NewVersion, Checked: 1, Failed: 1, Cause: err}
	}

	if !opts.VerifySample || o.sampler == nil {
		return 0, nil
	}
	size := opts.SampleSize
	if size <= 0 {
		size = DefaultSampleSize
	}
	sample, err := o.sampler.Sample(ctx, rec.Owner, size)
	if err != nil {
		return 0, &VerificationError{RecordID: rec.ID, Version: rec.NewVersion, Cause: fmt.Errorf("drawing sample: %w", err)}
	}

	var checked, failed int
	var firstErr error
	for _, envelope := range sample {
		version, err := fieldcrypt.EmbeddedVersion(envelope)
		if err != nil || version != rec.NewVersion {
			continue
		}
		checked++
		if _, err := o.cipher.Open(ctx, rec.Owner, envelope, rec.NewVersion); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	o.logger.Debug("rotation sample checked",
		slog.String("rotation", rec.ID),
		slog.Int("sampled", len(sample)),
		slog.Int("checked", checked),
		slog.Int("failed", failed))
	if failed > 0 {
		return checked, &VerificationError{
			RecordID: rec.ID,
			Version:  rec.NewVersion,
			Checked:  checked,
			Failed:   failed,
			Cause:    firstErr,
		}
	}
	if checked == 0 && len(sample) > 0 {
		o.logger.Warn("no sampled values were written under the new key version",
			slog.String("rotation", rec.ID),
			slog.String("owner", rec.Owner),
			slog.Int("new_version", rec.NewVersion))
	}
	return checked, nil
}
