package daemon

import (
	"fmt"
	"io"

	"github.com/nix-community/go-workerd/pkg/narv2"
)

// copyNAR reads exactly one complete NAR archive from src and writes it to
// dst. It parses the NAR structure to determine when the archive ends,
// which is necessary because the Nix daemon sends raw NAR data without a
// length prefix: NarFromPath's response, and AddToStoreNar's request body
// on protocol < 1.23, are both self-delimiting streams rather than
// length-prefixed blobs.
//
// This goes through pkg/narv2's Reader/Writer rather than forwarding bytes
// untouched, so it's a validating decode/re-encode pass: a truncated or
// malformed archive fails here instead of silently reaching the store or
// the wire.
func copyNAR(dst io.Writer, src io.Reader) error {
	r := narv2.NewReader(src)
	w := narv2.NewWriter(dst)

	if err := narv2.Copy(w, r); err != nil {
		return fmt.Errorf("nar copy: %w", err)
	}

	return nil
}
