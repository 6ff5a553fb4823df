// SPDX-License-Identifier: GPL-3.0-or-later

package addon

import (
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// VerifyAsset checks a downloaded marketplace asset (a "<pid>_v<version>.zip"
// archive, spec §6.4 marketplace install) against its published blake2b-256
// checksum before the manager extracts it. The fetch itself is the excluded
// external collaborator; only the verification step is core.
func VerifyAsset(r io.Reader, wantHex string) error {
	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(h, r); err != nil {
		return fmt.Errorf("addon: hashing asset: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != wantHex {
		return fmt.Errorf("addon: checksum mismatch: got %s, want %s", got, wantHex)
	}
	return nil
}
