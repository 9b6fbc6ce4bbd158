// QuickHub is a realtime websocket hub. One process serves sessions,
// synchronized resources, device twins and RPC services over a single
// multiplexed socket endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/config"
	"github.com/quickhub/quickhub/internal/device"
	"github.com/quickhub/quickhub/internal/hub"
	"github.com/quickhub/quickhub/internal/logging"
	"github.com/quickhub/quickhub/internal/resource"
	"github.com/quickhub/quickhub/internal/resource/image"
	"github.com/quickhub/quickhub/internal/resource/list"
	"github.com/quickhub/quickhub/internal/resource/object"
	"github.com/quickhub/quickhub/internal/service"
	"github.com/quickhub/quickhub/internal/storage"
)

var Version = "dev"

func main() {
	var (
		port        int
		storageRoot string
	)

	root := &cobra.Command{
		Use:     "quickhub",
		Short:   "Realtime websocket hub for synchronized resources and device twins",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(storageRoot)
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "websocket listen port")
	root.Flags().StringVarP(&storageRoot, "file-location", "f", "", "storage root directory (default ~/.quickhub)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	log.Info().Str("version", Version).Str("storage", cfg.StorageRoot).Msg("QuickHub starting")

	paths := storage.NewPaths(cfg.StorageRoot)

	authenticator, err := auth.NewDefaultAuthenticator(paths.UsersFile())
	if err != nil {
		return fmt.Errorf("load user store: %w", err)
	}
	authService := auth.NewService(cfg.SessionExpiration)
	authService.RegisterAuthenticator(authenticator)
	if users, code := authenticator.Users(nil); code.OK() {
		authService.RestoreSteadyTokens(users)
	}

	registry := resource.NewRegistry(authService)
	registry.AddFactory(list.NewFactory(authService, paths))
	registry.AddFactory(object.NewFactory(authService, paths))
	registry.AddFactory(image.NewFactory(authService, paths))

	settingsFactory := object.NewSettingsFactory(authService, paths)
	registry.AddFactory(settingsFactory)
	settings := object.NewSettingsManager(settingsFactory)
	if errc := settings.InitSetting("server", "allowUserRegistration", false); !errc.OK() {
		log.Warn().Str("code", errc.String()).Msg("Failed to seed server settings")
	}

	devices := device.NewManager(authService, paths)
	updates := device.NewUpdateLogic(authService, devices, cfg.FirmwareUpdateLookup)

	services := service.NewManager()
	services.RegisterService(service.NewDeviceService(services, devices, updates))

	resources := hub.NewResourceManager()
	resources.RegisterFactory(hub.NewListHandlerFactory(registry))
	resources.RegisterFactory(hub.NewObjectHandlerFactory(registry))
	resources.RegisterFactory(hub.NewImageHandlerFactory(registry))
	resources.RegisterFactory(hub.NewDeviceHandlerFactory(devices))
	resources.RegisterFactory(hub.NewAdminListFactory(authService, authenticator, devices))

	sessions := hub.NewSessionHandler(authService, authenticator)
	sessions.SetRegistrationPolicy(func() bool {
		return settings.GetBool("server", "allowUserRegistration", false)
	})

	chain := hub.NewChain(
		sessions,
		hub.NewSocketDeviceHandler(devices),
		hub.NewServiceRequestHandler(services),
		resources,
	)

	server := hub.NewServer(cfg, chain)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return authService.Run(ctx) })
	group.Go(func() error { return authenticator.Run(ctx) })
	group.Go(func() error { return server.Run(ctx) })

	// A cancelled context is the normal shutdown path, not a failure.
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("QuickHub stopped")
	return nil
}
