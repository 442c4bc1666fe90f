// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kilnlabs/kiln/internal/buildspec"
	"github.com/kilnlabs/kiln/internal/config"
	"github.com/kilnlabs/kiln/internal/container"
	"github.com/kilnlabs/kiln/internal/dispatch"
	"github.com/kilnlabs/kiln/internal/image"
	"github.com/kilnlabs/kiln/internal/issue"
)

// app bundles the wired components behind a command. Everything is built
// from the loaded config; nothing reads ambient global state.
type app struct {
	cfg        *config.Config
	log        *log.Logger
	engine     container.Engine
	fp         *buildspec.Fingerprinter
	images     *image.Manager
	pool       *dispatch.Pool
	dispatcher *dispatch.Dispatcher
}

// newApp wires an app rooted at the manifest's directory.
func newApp(root string) (*app, error) {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}

	engine, err := container.NewEngine(container.EngineType(cfg.Engine))
	if err != nil {
		if iss := issue.Get(issue.EngineNotFoundId); iss != nil {
			if page, rerr := iss.Render("dark"); rerr == nil {
				fmt.Fprintln(os.Stderr, page)
			}
		}
		return nil, issue.WrapWithOperation(err, "find a container engine")
	}
	logger.Debug("container engine selected", "engine", engine.Name())

	fp := buildspec.NewFingerprinter(root)
	images := image.NewManager(engine, fp, image.Options{
		RunnerDir:    cfg.RunnerDir,
		ChannelPort:  cfg.Channel.Port,
		BuildTimeout: time.Duration(cfg.Build.TimeoutSeconds) * time.Second,
		LogTailLines: cfg.Build.LogTailLines,
		NoCache:      cfg.Build.NoCache,
	}, logger)

	pool := dispatch.NewPool(engine, nil, dispatch.PoolOptions{
		MaxWarm:        cfg.Pool.MaxWarm,
		ChannelPort:    cfg.Channel.Port,
		IdleGrace:      time.Duration(cfg.Pool.IdleGraceSeconds) * time.Second,
		ReaperInterval: time.Duration(cfg.Pool.ReaperIntervalSeconds) * time.Second,
		Channel: dispatch.ChannelOptions{
			HandshakeTimeout: time.Duration(cfg.Channel.HandshakeTimeoutSeconds) * time.Second,
			DialAttempts:     cfg.Channel.DialAttempts,
			DialBackoff:      time.Duration(cfg.Channel.DialBackoffMillis) * time.Millisecond,
		},
	}, logger)

	dsp := dispatch.NewDispatcher(engine, pool, dispatch.Options{
		Buffer:       cfg.Stream.Buffer,
		CallTimeout:  time.Duration(cfg.Channel.CallTimeoutSeconds) * time.Second,
		LogTailLines: cfg.Build.LogTailLines,
	}, logger)

	return &app{
		cfg:        cfg,
		log:        logger,
		engine:     engine,
		fp:         fp,
		images:     images,
		pool:       pool,
		dispatcher: dsp,
	}, nil
}

// close releases warm containers.
func (a *app) close() {
	a.pool.Close()
}

// resolveManifest locates the manifest for a command: an explicit path is
// used as-is, otherwise kiln.yaml in the given (or current) directory.
// Returns the loaded manifest and the project root for fingerprinting.
func resolveManifest(explicit string, args []string) (*buildspec.Manifest, string, error) {
	path := explicit
	if path == "" {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		path = filepath.Join(dir, buildspec.DefaultManifestName)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("locate manifest").
			WithResource(path).
			WithSuggestion("Run 'kiln init' to create one").
			WithSuggestion("Or pass the project directory: kiln run ./my-project").
			Wrap(err).
			BuildError()
	}

	m, err := buildspec.LoadManifest(path)
	if err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("load manifest").
			WithResource(path).
			WithSuggestion("Run 'kiln check' for details on what is invalid").
			Wrap(err).
			BuildError()
	}

	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, "", err
	}
	return m, root, nil
}

// payloadFromManifest builds the portable execution payload.
func payloadFromManifest(m *buildspec.Manifest) (dispatch.Payload, error) {
	p := dispatch.Payload{Entrypoint: m.Entrypoint}
	if len(m.Args) > 0 {
		raw, err := json.Marshal(m.Args)
		if err != nil {
			return dispatch.Payload{}, fmt.Errorf("encode args: %w", err)
		}
		p.Args = raw
	}
	return p, nil
}
