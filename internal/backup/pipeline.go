package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"filippo.io/age"

	"github.com/tis24dev/hostsave/internal/logging"
	"github.com/tis24dev/hostsave/internal/types"
)

// Stage describes one process of the capture pipeline. BenignExitCodes are
// non-zero codes treated as success (some imaging tools use them for
// partial-success conditions).
type Stage struct {
	Name            string
	Path            string
	Args            []string
	BenignExitCodes []int
}

// PipelineConfig holds optional pipeline behavior.
type PipelineConfig struct {
	EncryptOutput bool
	AgeRecipients []age.Recipient
}

// Pipeline runs a producer process whose stdout feeds a consumer process
// whose stdout is the destination file. Backpressure is the OS pipe buffer;
// the image is never held in memory.
type Pipeline struct {
	logger         *logging.Logger
	encryptOutput  bool
	ageRecipients  []age.Recipient
	commandContext func(context.Context, string, ...string) *exec.Cmd
}

// NewPipeline creates a Pipeline.
func NewPipeline(logger *logging.Logger, config PipelineConfig) *Pipeline {
	return &Pipeline{
		logger:         logger,
		encryptOutput:  config.EncryptOutput,
		ageRecipients:  append([]age.Recipient(nil), config.AgeRecipients...),
		commandContext: exec.CommandContext,
	}
}

// SetCommandContext overrides process creation (useful for tests).
func (p *Pipeline) SetCommandContext(fn func(context.Context, string, ...string) *exec.Cmd) {
	if fn != nil {
		p.commandContext = fn
	}
}

// stderrCap collects a bounded amount of a process's stderr for diagnostics.
type stderrCap struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newStderrCap() *stderrCap {
	return &stderrCap{limit: 2048}
}

func (c *stderrCap) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remaining := c.limit - len(c.buf); remaining > 0 {
		if len(p) > remaining {
			c.buf = append(c.buf, p[:remaining]...)
		} else {
			c.buf = append(c.buf, p...)
		}
	}
	return len(p), nil
}

func (c *stderrCap) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

// Run executes producer | consumer > destination. Exactly one success path
// exists: both processes exit zero or with a stage-benign code. A producer
// failure closes the consumer's input and kills the consumer; the returned
// error always names the stage that failed.
func (p *Pipeline) Run(ctx context.Context, producer, consumer Stage, destination string) (err error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	outFile, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	defer outFile.Close()

	writer, finalizeEncryption, err := p.wrapEncryptionWriter(outFile)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := finalizeEncryption(); cerr != nil {
			if err == nil {
				err = fmt.Errorf("finalize encrypted output: %w", cerr)
			} else {
				p.logger.Warning("Failed to finalize encrypted output: %v", cerr)
			}
		}
	}()

	producerCmd := p.commandContext(ctx, producer.Path, producer.Args...)
	consumerCmd := p.commandContext(ctx, consumer.Path, consumer.Args...)

	producerStderr := newStderrCap()
	consumerStderr := newStderrCap()
	producerCmd.Stderr = producerStderr
	consumerCmd.Stderr = consumerStderr

	producerOut, err := producerCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe %s stdout: %w", producer.Name, err)
	}
	consumerCmd.Stdin = producerOut
	consumerCmd.Stdout = writer

	p.logger.Step("Capture pipeline: %s | %s -> %s", producer.Name, consumer.Name, destination)

	if err := consumerCmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", consumer.Name, err)
	}
	if err := producerCmd.Start(); err != nil {
		// The consumer is already running; close its input so it exits.
		producerOut.Close()
		_ = consumerCmd.Wait()
		return fmt.Errorf("start %s: %w", producer.Name, err)
	}

	// Waiting on the producer closes its stdout pipe, which delivers EOF to
	// the consumer's stdin.
	producerErr := p.waitStage(producerCmd, producer, producerStderr)
	if producerErr != nil {
		if consumerCmd.Process != nil {
			_ = consumerCmd.Process.Kill()
		}
		_ = consumerCmd.Wait()
		return producerErr
	}

	if consumerErr := p.waitStage(consumerCmd, consumer, consumerStderr); consumerErr != nil {
		return consumerErr
	}

	p.logger.Debug("Capture pipeline completed: %s", destination)
	return nil
}

// waitStage waits for one stage and translates its exit status, honoring
// the stage's benign exit codes.
func (p *Pipeline) waitStage(cmd *exec.Cmd, stage Stage, stderr *stderrCap) error {
	err := cmd.Wait()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		for _, benign := range stage.BenignExitCodes {
			if code == benign {
				p.logger.Warning("%s exited with code %d (treated as success)", stage.Name, code)
				return nil
			}
		}
		return types.NewExternalToolError(stage.Name, code, stderr.String(), err)
	}
	return types.NewExternalToolError(stage.Name, -1, stderr.String(), err)
}

func (p *Pipeline) wrapEncryptionWriter(base io.Writer) (io.Writer, func() error, error) {
	if !p.encryptOutput {
		return base, func() error { return nil }, nil
	}
	if len(p.ageRecipients) == 0 {
		return nil, nil, fmt.Errorf("encryption enabled but no age recipients configured")
	}
	writer, err := age.Encrypt(base, p.ageRecipients...)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize age encryption: %w", err)
	}
	p.logger.Debug("Encrypting pipeline output via age (streaming)")
	return writer, writer.Close, nil
}
