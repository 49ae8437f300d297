// Package separator runs an external two-stem source separation tool
// (demucs compatible) and locates the stems it writes.
package separator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

const (
	DefaultShifts  = 1
	DefaultOverlap = 0.25

	vocalsFile       = "vocals.wav"
	instrumentalFile = "no_vocals.wav"
	maxDiagnostic    = 4096
)

type Options struct {
	Binary       string
	DefaultModel string
	Timeout      time.Duration
}

type Request struct {
	InputPath string
	OutputDir string
	Model     string
	Shifts    int
	Overlap   float64
}

type Result struct {
	Model            string
	VocalsPath       string
	InstrumentalPath string
}

type Separator struct {
	opts Options
}

func New(opts Options) *Separator {
	if opts.Binary == "" {
		opts.Binary = "demucs"
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = "htdemucs"
	}
	return &Separator{opts: opts}
}

func (s *Separator) normalize(req *Request) error {
	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" {
		req.Model = s.opts.DefaultModel
	}
	var bad []string
	if strings.ContainsAny(req.Model, `/\`) || req.Model == "." || req.Model == ".." || strings.HasPrefix(req.Model, "-") {
		bad = append(bad, "model")
	}
	if req.Shifts < 0 {
		bad = append(bad, "shifts must be >= 0")
	}
	if req.Overlap < 0 || req.Overlap >= 1 || req.Overlap != req.Overlap {
		bad = append(bad, "overlap must be in [0, 1)")
	}
	if len(bad) > 0 {
		return appErr.New(appErr.ErrInvalidParameters, strings.Join(bad, "; "))
	}
	return nil
}

// Args is the tool command line for req.
func (s *Separator) Args(req Request) []string {
	return []string{
		"--two-stems=vocals",
		"-n", req.Model,
		"--shifts", strconv.Itoa(req.Shifts),
		"--overlap", strconv.FormatFloat(req.Overlap, 'f', -1, 64),
		"-o", req.OutputDir,
		req.InputPath,
	}
}

// Separate runs the tool on req.InputPath. Stems land under
// OutputDir/<model>/<input base name>/.
func (s *Separator) Separate(ctx context.Context, req Request) (*Result, error) {
	if err := s.normalize(&req); err != nil {
		return nil, err
	}
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	logger := logutil.GetLogger(ctx).With(zap.String("tool", s.opts.Binary), zap.String("model", req.Model))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.opts.Binary, s.Args(req)...)
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr
	start := time.Now()
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Error("separation timed out", zap.Duration("took", time.Since(start)))
		return nil, appErr.FromContext(ctxErr, "separation tool did not finish")
	}
	if err != nil {
		diag := diagnostic(stderr.Bytes())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Error("separation tool failed", zap.Int("exit_code", exitErr.ExitCode()), zap.String("stderr", diag))
			return nil, appErr.Wrap(appErr.ErrSeparationFailed, err, fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), diag))
		}
		logger.Error("start separation tool failed", zap.Error(err))
		return nil, appErr.Wrap(appErr.ErrSeparationFailed, err, "run separation tool")
	}

	base := strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath))
	stemDir := filepath.Join(req.OutputDir, req.Model, base)
	res := &Result{
		Model:            req.Model,
		VocalsPath:       filepath.Join(stemDir, vocalsFile),
		InstrumentalPath: filepath.Join(stemDir, instrumentalFile),
	}
	for _, path := range []string{res.VocalsPath, res.InstrumentalPath} {
		if _, err := os.Stat(path); err != nil {
			logger.Error("separation output missing", zap.String("path", path))
			return nil, appErr.Newf(appErr.ErrOutputMissing, "expected output %s not found", filepath.Base(path))
		}
	}
	logger.Info("separation finished", zap.Duration("took", time.Since(start)))
	return res, nil
}

// diagnostic keeps the tail of the tool output, where errors are printed.
func diagnostic(out []byte) string {
	out = bytes.TrimSpace(out)
	if len(out) > maxDiagnostic {
		out = out[len(out)-maxDiagnostic:]
	}
	return string(out)
}
