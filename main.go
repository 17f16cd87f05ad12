package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/processors"
	"videoSearch/queue"
	"videoSearch/server"
	"videoSearch/storage"
)

const version = "0.1.0"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "videosearch",
	Short:        "Index spoken words in uploaded videos and search them by meaning",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the ingestion workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret (or JWT_SECRET) is required to serve")
		}
		if a.cfg.Index.RebuildOnStart {
			if err := a.rebuildIndex(ctx); err != nil {
				return err
			}
		}

		// 上次进程退出时仍在处理的视频不会再有结果
		recovery := processors.NewRecovery(a.store, a.logger)
		if _, err := recovery.FailInterrupted(ctx); err != nil {
			return err
		}

		pool := core.NewIngestPool(a.cfg.Queue.Workers, 0, a.pipeline.Run, a.metrics, a.logger)
		pool.OnDrop(recovery.MarkDropped)
		pool.Start()
		defer pool.Stop()

		dispatcher, closeQueue, err := queue.Setup(ctx, a.cfg.Queue, pool, a.logger)
		if err != nil {
			return err
		}
		defer closeQueue()
		if _, err := recovery.RequeuePending(ctx, dispatcher); err != nil {
			return err
		}

		srv := server.New(server.Deps{
			Store:          a.store,
			Index:          a.index,
			Retriever:      a.retriever,
			Dispatcher:     dispatcher,
			Pool:           pool,
			Rebuilder:      a.rebuilder,
			Tokens:         server.NewTokenIssuer(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, a.cfg.TokenTTLDuration()),
			Gatherer:       a.registry,
			VideoDir:       a.cfg.Storage.VideoDir,
			SegmentDir:     a.cfg.Storage.SegmentDir,
			MaxUploadBytes: a.cfg.Server.MaxUploadMB << 20,
			SearchTimeout:  a.cfg.SearchTimeoutDuration(),
			Logger:         a.logger,
		})
		return srv.ListenAndServe(ctx, a.cfg.Server.Addr)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Driver == "postgres" {
			if err := storage.MigrateDSN("postgres", cfg.Database.DSN); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		}
		s, err := storage.NewSQLiteStore(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer s.Close()
		v, dirty, err := storage.SchemaVersion("sqlite", s.DB())
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d (dirty=%v)\n", v, dirty)
		return nil
	},
}

var serverBaseURL string

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Ask the running server to rebuild its vector index from stored embeddings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAdminClient(cfg, serverBaseURL)
		if err != nil {
			return err
		}
		n, err := client.rebuildIndex(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("server indexed %d transcripts\n", n)
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <video-id>",
	Short: "Ingest one pending video for the running server",
	Long: `With queue.driver = "amqp" the video is published to the queue the server
consumes. Otherwise the pipeline runs in the foreground and the server is then
asked to rebuild its index so the new transcripts become searchable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Queue.Driver == "amqp" {
			d, err := queue.DialAMQP(cfg.Queue.AMQPURL, cfg.Queue.Queue, newLogger(cfg.Server.LogLevel))
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Dispatch(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s: queued\n", args[0])
			return nil
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.pipeline.Run(ctx, args[0]); err != nil {
			return err
		}
		v, err := a.store.GetVideo(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", v.ID, v.Status)

		client, err := newAdminClient(cfg, serverBaseURL)
		if err == nil {
			_, err = client.rebuildIndex(ctx)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: server index not refreshed (%v); run `videosearch reindex` once the server is up\n", err)
		}
		return nil
	},
}

var (
	searchUser  string
	searchQuery string
	searchLimit int
	searchMin   float64
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search a user's transcripts from the command line",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.rebuildIndex(ctx); err != nil {
			return err
		}
		req := processors.SearchRequest{UserID: searchUser, Query: searchQuery, Limit: searchLimit}
		if cmd.Flags().Changed("min-confidence") {
			req.MinConfidence = &searchMin
		}
		resp := a.retriever.Search(ctx, req)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(resp)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve transcript search to MCP clients over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.rebuildIndex(ctx); err != nil {
			return err
		}
		return server.ServeMCPStdio(server.NewMCPServer(a.retriever, a.store, version))
	},
}

var (
	tokenUser      string
	tokenSuperuser bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret (or JWT_SECRET) is required to issue tokens")
		}
		tok, err := server.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.TokenTTLDuration()).Issue(tokenUser, tokenSuperuser)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		masked := *cfg
		masked.Auth.JWTSecret = mask(masked.Auth.JWTSecret)
		masked.Embedding.APIKey = mask(masked.Embedding.APIKey)
		masked.ASR.APIKey = mask(masked.ASR.APIKey)
		if err := config.Write(os.Stdout, &masked); err != nil {
			return err
		}
		return cfg.Validate()
	},
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "videosearch.toml", "path to the TOML config file")

	for _, c := range []*cobra.Command{reindexCmd, ingestCmd} {
		c.Flags().StringVar(&serverBaseURL, "server", "", "base URL of the running server (default derived from server.addr)")
	}

	searchCmd.Flags().StringVar(&searchUser, "user", "", "owner whose videos are searched")
	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "search text")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum results (default from config)")
	searchCmd.Flags().Float64Var(&searchMin, "min-confidence", 0, "minimum transcript confidence (default from config)")
	searchCmd.MarkFlagRequired("user")
	searchCmd.MarkFlagRequired("query")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id placed in the token subject")
	tokenCmd.Flags().BoolVar(&tokenSuperuser, "superuser", false, "grant superuser access")
	tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd, migrateCmd, reindexCmd, ingestCmd, searchCmd, mcpCmd, tokenCmd, configCmd)
}
