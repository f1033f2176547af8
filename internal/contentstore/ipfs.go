package contentstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
)

// IPFS is a Backend over the IPFS HTTP API
type IPFS struct {
	sh *shell.Shell
}

// NewIPFS connects to the API at url (e.g. "localhost:5001").
func NewIPFS(url string, requestTimeout time.Duration) *IPFS {
	client := &http.Client{Timeout: requestTimeout}
	return &IPFS{sh: shell.NewShellWithClient(url, client)}
}

// Add uploads r and pins it
func (i *IPFS) Add(_ context.Context, r io.Reader) (string, error) {
	cid, err := i.sh.Add(r, shell.Pin(true))
	if err != nil {
		return "", translateIPFS(err)
	}
	return cid, nil
}

// Cat streams the document at ref
func (i *IPFS) Cat(_ context.Context, ref string) (io.ReadCloser, error) {
	rc, err := i.sh.Cat(ref)
	if err != nil {
		return nil, translateIPFS(err)
	}
	return rc, nil
}

// Ping reports whether the node answers
func (i *IPFS) Ping(context.Context) error {
	if !i.sh.IsUp() {
		return fmt.Errorf("%w: ipfs node not reachable", ErrUnavailable)
	}
	return nil
}

func translateIPFS(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid path"), strings.Contains(msg, "invalid cid"), strings.Contains(msg, "selected encoding not supported"):
		return fmt.Errorf("%w: %v", ErrInvalidRef, err)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no link named"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
