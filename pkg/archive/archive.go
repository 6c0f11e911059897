// Package archive moves specialized pipeline trees into sandbox runtimes as
// compressed tar streams.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	goarchive "github.com/moby/go-archive"

	"github.com/rhuss/composer/pkg/sandbox"
)

// Package builds a gzip-compressed tar of the immediate children of dir.
// Entry names are relative to dir.
func Package(dir string) ([]byte, error) {
	rc, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{
		Compression: goarchive.Gzip,
	})
	if err != nil {
		return nil, fmt.Errorf("packaging %s: %w", dir, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("packaging %s: %w", dir, err)
	}
	return buf.Bytes(), nil
}

// DeliveryError reports that a runtime refused a package.
type DeliveryError struct {
	Dir string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering package to %s: %v", e.Dir, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transport delivers packages into pipeline directories.
type Transport struct {
	engine sandbox.Engine
	keep   string
	logger *slog.Logger
}

// NewTransport creates a Transport. keep names the directory entry that
// survives delivery, normally the pipeline's virtual environment.
func NewTransport(engine sandbox.Engine, keep string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{engine: engine, keep: keep, logger: logger}
}

// Deliver replaces the contents of dir, except the kept entry, with the
// package. Rejections are returned as *DeliveryError and never retried.
func (t *Transport) Deliver(ctx context.Context, rt *sandbox.Runtime, dir string, pkg []byte) error {
	wipe := sandbox.ExecSpec{Cmd: []string{
		"find", dir, "-mindepth", "1", "-maxdepth", "1",
		"!", "-name", t.keep,
		"-exec", "rm", "-rf", "{}", "+",
	}}
	if _, err := sandbox.Run(ctx, t.engine, rt.ContainerID, wipe); err != nil {
		return &DeliveryError{Dir: dir, Err: fmt.Errorf("clearing previous tree: %w", err)}
	}

	if err := t.engine.PutArchive(ctx, rt.ContainerID, dir, bytes.NewReader(pkg)); err != nil {
		return &DeliveryError{Dir: dir, Err: err}
	}

	t.logger.Debug("package delivered",
		"tenant_id", rt.TenantID,
		"dir", dir,
		"bytes", len(pkg),
	)
	return nil
}
