// Package cli provides the command-line entry point and HTTP server
// bootstrap for the editing API. It orchestrates configuration loading,
// store/engine construction, and the Echo-based REST surface (package
// rest), following the same Cobra/Viper flag-and-config-file pattern as
// the teacher's root command.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/osmng/editcore/applyengine"
	"github.com/osmng/editcore/auth"
	"github.com/osmng/editcore/bbox"
	"github.com/osmng/editcore/cache"
	"github.com/osmng/editcore/changeset"
	"github.com/osmng/editcore/common"
	"github.com/osmng/editcore/db"
	"github.com/osmng/editcore/diffengine"
	"github.com/osmng/editcore/element"
	ehttp "github.com/osmng/editcore/http"
	"github.com/osmng/editcore/optimistic"
	"github.com/osmng/editcore/rest"
)

// cfgFile holds the path to the configuration file given via --config.
var cfgFile string

// RootCmd is the entry point for the editcored server.
var RootCmd = &cobra.Command{
	Use:   "editcored",
	Short: "HTTP API server for creating, reading, and editing map elements",
	Long: `editcored

A production HTTP API server implementing the 0.6-style element/changeset
editing surface:
- Versioned element storage (nodes, ways, relations)
- Changeset lifecycle management with bbox accumulation
- Optimistic-concurrency diff application with automatic retry
- Bounding-box map queries
- JWT and API-key authentication

Configuration can be provided via command-line flags, environment
variables, or a YAML configuration file, with flags taking precedence.`,
	RunE: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.editcored.yaml)")

	RootCmd.PersistentFlags().Int("port", 8080, "HTTP server port")
	RootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string (DSN)")
	RootCmd.PersistentFlags().String("jwt-secret", "", "JWT signing secret")
	RootCmd.PersistentFlags().String("redis-url", "", "Redis URL for the optional read-through cache (disabled if empty)")

	viper.BindPFlag("port", RootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("database.url", RootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("jwt.secret", RootCmd.PersistentFlags().Lookup("jwt-secret"))
	viper.BindPFlag("redis.url", RootCmd.PersistentFlags().Lookup("redis-url"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".editcored")
	}

	viper.SetEnvPrefix("EDITCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// runServer wires every collaborator (Element Store, Changeset Store,
// diff Preparer/Applier, Optimistic Orchestrator, Bbox Engine, auth
// Service) behind the REST surface and runs the Echo server until a
// shutdown signal arrives.
func runServer(cmd *cobra.Command, args []string) error {
	logger := common.NewLogger(common.DefaultLoggerConfig())
	log := common.NewContextLogger(logger, map[string]interface{}{"service": "editcored"})

	dsn := viper.GetString("database.url")
	if dsn == "" {
		return fmt.Errorf("database.url (EDITCORE_DATABASE_URL / --database-url) is required")
	}

	gdb, err := db.Open(dsn, db.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	if err := element.Migrate(gdb); err != nil {
		return fmt.Errorf("migrate elements: %w", err)
	}
	if err := changeset.Migrate(gdb); err != nil {
		return fmt.Errorf("migrate changesets: %w", err)
	}
	userStore := auth.NewGormUserStore(gdb)
	if err := userStore.Migrate(); err != nil {
		return fmt.Errorf("migrate users: %w", err)
	}

	elements := element.New(gdb)
	if redisURL := viper.GetString("redis.url"); redisURL != "" {
		elemCache, err := cache.New(context.Background(), cache.Config{RedisURL: redisURL})
		if err != nil {
			log.Warnf("cache disabled: %v", err)
		} else {
			elements = elements.WithCache(elemCache)
		}
	}
	changesets := changeset.New(gdb)
	bboxEngine := bbox.New(elements)

	now := time.Now
	preparer := diffengine.New(elements, changesets, now)
	applier := applyengine.New(gdb, elements, changesets, now)
	orchestrator := optimistic.New(preparer, applier, logger)

	authConfig := auth.DefaultConfig()
	jwtSecret := viper.GetString("jwt.secret")
	if jwtSecret == "" {
		return fmt.Errorf("jwt.secret (EDITCORE_JWT_SECRET / --jwt-secret) is required")
	}
	authConfig.JWTSecret = jwtSecret
	authSvc := auth.New(authConfig, userStore)
	log.Infof("jwt secret loaded: %s", common.MaskSecret(jwtSecret))

	server := &rest.Server{
		Elements:     elements,
		Changesets:   changesets,
		Orchestrator: orchestrator,
		Bbox:         bboxEngine,
		Now:          now,
		Users:        userStore,
	}

	serverConfig := ehttp.DefaultServerConfig()
	serverConfig.Port = viper.GetInt("port")

	e := ehttp.NewEchoServer(serverConfig)
	e.GET("/health", ehttp.HealthCheckHandler("editcored", "0.6"))
	rest.Register(e, server, authSvc)

	serverErr := make(chan error, 1)
	go func() {
		if err := ehttp.StartServer(e, serverConfig); err != nil {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed to start: %w", err)
	case <-quit:
	}

	log.Info("shutting down")
	return ehttp.GracefulShutdown(e, serverConfig.ShutdownTimeout)
}
