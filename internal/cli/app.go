package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/config"
	"github.com/dmitrijs2005/gophvault/internal/engine"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/remote"
	"github.com/spf13/cobra"
)

var (
	// openEngine is a test seam for engine.Open.
	openEngine = engine.Open

	// newBackend builds the sync remote from configuration. Tests replace it
	// with an in-memory backend.
	newBackend = func(ctx context.Context, cfg *config.Config) (remote.Backend, error) {
		opts, ok := cfg.S3Options()
		if !ok {
			return nil, errNoRemote
		}
		b, err := remote.NewS3Backend(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("s3 backend: %w", err)
		}
		return b, nil
	}
)

type App struct {
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
	fd     int

	args []string
	cfg  *config.Config
	log  logging.Logger
	eng  *engine.Engine
}

// NewApp returns an App reading answers from in and writing to out. Log
// records go to errOut.
func NewApp(in io.Reader, out, errOut io.Writer) *App {
	return &App{
		in:     bufio.NewReader(in),
		out:    out,
		errOut: errOut,
		fd:     int(os.Stdin.Fd()),
	}
}

// Run executes the command line args, without the program name.
func (a *App) Run(ctx context.Context, args []string) error {
	a.args = args
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	return root.ExecuteContext(ctx)
}

// setup loads configuration and opens the engine for cmd.
func (a *App) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(a.args, cmd.Flags())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.NewJSONLogger(a.errOut, cfg.LogLevel)

	opts, err := cfg.EngineOptions(a.log)
	if err != nil {
		return err
	}
	eng, err := openEngine(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("open vault %s: %w", cfg.DatabasePath, err)
	}
	a.eng = eng
	return nil
}

func (a *App) teardown() error {
	if a.eng == nil {
		return nil
	}
	err := a.eng.Close()
	a.eng = nil
	return err
}

// unlock prompts for the master password and unlocks the vault.
func (a *App) unlock(ctx context.Context) error {
	pass, err := a.readSecret("Master password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pass)
	return a.eng.Unlock(ctx, pass)
}
