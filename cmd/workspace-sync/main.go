package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/config"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/richtext"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/syncclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const acknowledgeTimeout = 30 * time.Second

var (
	cfgFile    string
	documentID string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "workspace-sync",
		Short: "Command line collaborator for workspace documents",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newWatchCommand(), newAppendCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&documentID, "doc", "", "Document identifier")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Workspace API base URL")
	cmd.PersistentFlags().String("token", "", "Bearer token (overrides env)")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("cache.path"), "Local replica cache file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("poll-interval-ms", defaults.GetInt("sync.poll_interval_ms"), "Pull interval in milliseconds")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "auth.token", "token")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.poll_interval_ms", "poll-interval-ms")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}
	if documentID == "" {
		return errors.New("--doc is required")
	}
	return nil
}

// session bundles everything one command needs to talk about one document.
type session struct {
	config    config.ClientConfig
	logger    *zap.Logger
	transport *syncclient.HTTPTransport
	cache     *syncclient.BoltCache
	engine    *syncclient.Engine
	document  syncclient.DocumentState
}

func openSession(ctx context.Context, name string) (*session, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	transport, err := syncclient.NewHTTPTransport(clientConfig.ServerURL, clientConfig.Token, nil)
	if err != nil {
		return nil, err
	}
	document, err := transport.Get(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	initial, err := crdt.Decode(document.CrdtB64)
	if err != nil {
		logger.Warn("server sent an undecodable log, starting empty", zap.Error(err))
		initial = nil
	}
	cache, err := syncclient.OpenBoltCache(clientConfig.CachePath)
	if err != nil {
		return nil, err
	}

	engine, err := syncclient.Open(ctx, syncclient.Config{
		DocumentID:       document.ID,
		Transport:        transport,
		DebounceWindow:   clientConfig.Debounce,
		PollInterval:     clientConfig.PollInterval,
		InitialState:     initial,
		FallbackSnapshot: &document.Snapshot,
		Cache:            cache,
		Logger:           logger,
	})
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	if name != "" {
		if err := engine.SetPresence(syncclient.PresenceState{Name: name}); err != nil {
			logger.Warn("announce presence failed", zap.Error(err))
		}
	}
	return &session{
		config:    clientConfig,
		logger:    logger,
		transport: transport,
		cache:     cache,
		engine:    engine,
		document:  document,
	}, nil
}

func (s *session) close() {
	if err := s.engine.Close(); err != nil {
		s.logger.Warn("close session failed", zap.Error(err))
	}
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("close cache failed", zap.Error(err))
	}
	_ = s.logger.Sync()
}

func newWatchCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a document and print its text whenever it changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			current, err := openSession(ctx, name)
			if err != nil {
				return err
			}
			defer current.close()

			go func() {
				eventsURL := current.transport.EventsURL(current.document.ID)
				if err := syncclient.WatchChanges(ctx, eventsURL, current.config.Token, current.engine, current.logger); err != nil {
					current.logger.Warn("change stream stopped", zap.Error(err))
				}
			}()

			return printTransitions(ctx, cmd.OutOrStdout(), current.engine)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Name shown to other collaborators")
	return cmd
}

func printTransitions(ctx context.Context, out io.Writer, engine *syncclient.Engine) error {
	updates, cancel := engine.Subscribe()
	defer cancel()

	var lastText string
	for {
		select {
		case <-ctx.Done():
			return nil
		case status, ok := <-updates:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "status phase=%s online=%t pending=%d peers=%d", status.Phase, status.Online, status.Pending, len(status.Peers))
			if status.LastError != "" {
				fmt.Fprintf(out, " error=%q", status.LastError)
			}
			fmt.Fprintln(out)

			snapshot, err := engine.Snapshot()
			if err != nil {
				return nil
			}
			if text := richtext.PlainText(snapshot); text != lastText {
				lastText = text
				fmt.Fprintf(out, "---\n%s\n---\n", text)
			}
		}
	}
}

func newAppendCommand() *cobra.Command {
	var text, note string
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append a paragraph and record it as a revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				return errors.New("--text is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), acknowledgeTimeout)
			defer cancel()

			current, err := openSession(ctx, "")
			if err != nil {
				return err
			}
			defer current.close()

			snapshot, err := current.engine.Snapshot()
			if err != nil {
				return err
			}
			next := richtext.AppendParagraph(snapshot, text)
			if err := current.engine.ApplyLocalSnapshot(next); err != nil {
				return err
			}
			if err := current.engine.FlushNow(); err != nil {
				return err
			}
			if err := awaitAcknowledged(ctx, current.engine); err != nil {
				return err
			}

			request := syncclient.PatchDocument{Snapshot: &next}
			if note != "" {
				request.Note = &note
			}
			patched, err := current.transport.Patch(ctx, current.document.ID, request)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), richtext.PlainText(patched.Snapshot))
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "Paragraph text to append")
	cmd.Flags().StringVar(&note, "note", "", "Revision note")
	return cmd
}

// awaitAcknowledged waits until every queued edit has been accepted by the server.
func awaitAcknowledged(ctx context.Context, engine *syncclient.Engine) error {
	updates, cancel := engine.Subscribe()
	defer cancel()

	status := engine.Status()
	for {
		switch {
		case status.Pending == 0 && status.Phase != syncclient.PhasePushing && !status.LastSyncedAt.IsZero():
			return nil
		case status.Phase == syncclient.PhaseError && status.Pending > 0:
			return fmt.Errorf("push rejected: %s", status.LastError)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-updates:
			if !ok {
				return syncclient.ErrSessionClosed
			}
			status = next
		}
	}
}
