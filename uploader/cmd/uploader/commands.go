package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/you-humble/mediaupload/uploader/internal/app"
	"github.com/you-humble/mediaupload/uploader/internal/infra/config"
	"github.com/you-humble/mediaupload/uploader/internal/signing"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "uploader",
		Short:         "Deferred media upload service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("UPLOADER_CONFIG"), "path to the yaml config")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the control API, scheduler and delivery loop",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd, cfgPath)
			},
		},
		newDeliveryURLCmd(&cfgPath),
		newSignCmd(&cfgPath),
	)
	return root
}

func serve(cmd *cobra.Command, cfgPath string) error {
	ctx := cmd.Context()
	return app.New(ctx, cfgPath).Run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config or UPLOADER_CONFIG is required")
	}
	return config.Load(path)
}

func newDeliveryURLCmd(cfgPath *string) *cobra.Command {
	var asset signing.Asset

	cmd := &cobra.Command{
		Use:   "delivery-url PUBLIC_ID",
		Short: "Print the delivery URL of an uploaded asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			asset.Source = args[0]
			fmt.Fprintln(cmd.OutOrStdout(), signing.BuildDeliveryURL(cfg.Cloud, asset))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&asset.ResourceType, "resource-type", "", "image, video or raw")
	f.StringVar(&asset.DeliveryType, "type", "", "delivery type, upload by default")
	f.StringVarP(&asset.Transformation, "transformation", "t", "", "transformation string")
	f.StringVar(&asset.Version, "version", "", "asset version")
	f.StringVarP(&asset.Format, "format", "f", "", "output format")
	f.BoolVar(&asset.SignURL, "sign", false, "add the URL signature component")
	return cmd
}

// newSignCmd signs key=value pairs the way uploads are signed.
func newSignCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sign KEY=VALUE...",
		Short: "Sign upload parameters with the configured API secret",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Cloud.APISecret == "" {
				return fmt.Errorf("cloud.api_secret is not configured")
			}

			params := make(map[string]any, len(args))
			for _, arg := range args {
				k, v, ok := strings.Cut(arg, "=")
				if !ok || k == "" {
					return fmt.Errorf("expected KEY=VALUE, got %q", arg)
				}
				params[k] = v
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, signing.Canonical(params))
			fmt.Fprintln(out, signing.Sign(params, cfg.Cloud.APISecret))
			return nil
		},
	}
}
