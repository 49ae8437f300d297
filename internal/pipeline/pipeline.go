// Package pipeline runs one conversion or separation request end to end:
// decode, model lookup, gated inference, encode and temp file cleanup.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/rvcd/internal/audio"
	"github.com/xxxsen/rvcd/internal/engine"
	"github.com/xxxsen/rvcd/internal/inference"
	"github.com/xxxsen/rvcd/internal/params"
	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
	"github.com/xxxsen/rvcd/internal/separator"
)

// JobDirPrefix names every per-request scratch directory.
const JobDirPrefix = "rvcd-job-"

const (
	inputFile  = "input.wav"
	outputFile = "output.wav"
)

type Pipeline struct {
	rt       *inference.Runtime
	defaults *params.DefaultsStore
	sep      *separator.Separator
	tempDir  string
}

func New(rt *inference.Runtime, defaults *params.DefaultsStore, sep *separator.Separator, tempDir string) *Pipeline {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Pipeline{rt: rt, defaults: defaults, sep: sep, tempDir: tempDir}
}

type ConvertResult struct {
	Audio  []byte
	Format audio.Format
	Model  string
	Params params.ParameterSet
	Source params.Source
}

// Convert runs data through model id. A nil set inherits the current
// defaults. The result names the model as the caller did.
func (p *Pipeline) Convert(ctx context.Context, data []byte, id string, set *params.ParameterSet) (*ConvertResult, error) {
	in, err := audio.Inspect(data)
	if err != nil {
		return nil, err
	}
	effective, source := p.defaults.Resolve(set)
	if err := effective.Validate(); err != nil {
		return nil, err
	}
	logger := logutil.GetLogger(ctx).With(zap.String("model", id))

	dir, err := p.newJobDir()
	if err != nil {
		return nil, err
	}
	var finished <-chan struct{}
	defer func() {
		p.removeWhenDone(ctx, dir, finished)
	}()

	inputPath := filepath.Join(dir, inputFile)
	outputPath := filepath.Join(dir, outputFile)
	if err := os.WriteFile(inputPath, data, 0o600); err != nil {
		return nil, appErr.Wrap(appErr.ErrInternal, err, "write job input")
	}
	finished, err = p.rt.Run(ctx, id, func(ctx context.Context, h engine.Handle) error {
		return h.Infer(ctx, engine.Request{InputPath: inputPath, OutputPath: outputPath, Params: effective})
	})
	if err != nil {
		return nil, err
	}

	out, err := os.ReadFile(outputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, appErr.New(appErr.ErrOutputMissing, "engine produced no output")
		}
		return nil, appErr.Wrap(appErr.ErrInternal, err, "read job output")
	}
	format, err := audio.Inspect(out)
	if err != nil {
		return nil, appErr.Wrap(appErr.ErrInternal, err, "engine produced unreadable audio")
	}
	logger.Info("conversion finished",
		zap.String("params_source", string(source)),
		zap.String("in", humanize.Bytes(uint64(len(data)))),
		zap.String("out", humanize.Bytes(uint64(len(out)))),
		zap.Int("in_rate", in.SampleRate),
		zap.Int("out_rate", format.SampleRate),
		zap.Int("channels", format.Channels),
	)
	return &ConvertResult{Audio: out, Format: format, Model: id, Params: effective, Source: source}, nil
}

type SeparateRequest struct {
	Model   string
	Shifts  int
	Overlap float64
}

type SeparateResult struct {
	Model        string
	Vocals       []byte
	Instrumental []byte
}

// Separate splits data into vocal and instrumental stems. The model cache
// is not involved.
func (p *Pipeline) Separate(ctx context.Context, data []byte, req SeparateRequest) (*SeparateResult, error) {
	if _, err := audio.Inspect(data); err != nil {
		return nil, err
	}
	dir, err := p.newJobDir()
	if err != nil {
		return nil, err
	}
	defer p.remove(ctx, dir)

	inputPath := filepath.Join(dir, inputFile)
	if err := os.WriteFile(inputPath, data, 0o600); err != nil {
		return nil, appErr.Wrap(appErr.ErrInternal, err, "write job input")
	}
	res, err := p.sep.Separate(ctx, separator.Request{
		InputPath: inputPath,
		OutputDir: dir,
		Model:     req.Model,
		Shifts:    req.Shifts,
		Overlap:   req.Overlap,
	})
	if err != nil {
		return nil, err
	}
	vocals, err := os.ReadFile(res.VocalsPath)
	if err != nil {
		return nil, appErr.Wrap(appErr.ErrOutputMissing, err, "read vocals")
	}
	instrumental, err := os.ReadFile(res.InstrumentalPath)
	if err != nil {
		return nil, appErr.Wrap(appErr.ErrOutputMissing, err, "read instrumental")
	}
	return &SeparateResult{Model: res.Model, Vocals: vocals, Instrumental: instrumental}, nil
}

func (p *Pipeline) newJobDir() (string, error) {
	dir := filepath.Join(p.tempDir, JobDirPrefix+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", appErr.Wrap(appErr.ErrInternal, err, "create job dir")
	}
	return dir, nil
}

func (p *Pipeline) remove(ctx context.Context, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logutil.GetLogger(ctx).Error("remove job dir failed", zap.String("dir", dir), zap.Error(err))
	}
}

// removeWhenDone deletes dir once inference no longer reads from it. An
// inference that outlived its caller still owns the files until it ends.
func (p *Pipeline) removeWhenDone(ctx context.Context, dir string, finished <-chan struct{}) {
	if finished == nil {
		p.remove(ctx, dir)
		return
	}
	select {
	case <-finished:
		p.remove(ctx, dir)
	default:
		ctx = context.WithoutCancel(ctx)
		go func() {
			<-finished
			p.remove(ctx, dir)
		}()
	}
}

// SweepTemp removes job directories older than maxAge, left behind by a
// process that died mid-request.
func (p *Pipeline) SweepTemp(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(p.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), JobDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		p.remove(ctx, filepath.Join(p.tempDir, entry.Name()))
		removed++
	}
	return removed, nil
}
