package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/starford/imagestudio/internal"
	"github.com/starford/imagestudio/internal/client"
	"github.com/starford/imagestudio/internal/pngmeta"
	"github.com/starford/imagestudio/internal/settings"
)

var serverFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "server",
		Usage:   "Studio server URL (defaults to client.server_url)",
		Sources: cli.EnvVars("IMAGESTUDIO_SERVER"),
	},
	&cli.StringFlag{
		Name:    "token",
		Usage:   "Bearer token (defaults to auth.token)",
		Sources: cli.EnvVars("IMAGESTUDIO_TOKEN"),
	},
}

type clientEnv struct {
	cfg    *internal.Config
	logger *slog.Logger
	client *client.Client
	store  *settings.SQLiteStore
}

func (e *clientEnv) Close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

// openClient builds the HTTP client, and the settings store when withStore
// is set.
func openClient(cmd *cli.Command, withStore bool) (*clientEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	serverURL := cfg.Client.ServerURL
	if v := cmd.String("server"); v != "" {
		serverURL = v
	}
	token := cfg.Auth.Token
	if v := cmd.String("token"); v != "" {
		token = v
	}

	c, err := client.New(serverURL, client.WithToken(token))
	if err != nil {
		return nil, err
	}
	env := &clientEnv{
		cfg:    cfg,
		logger: internal.NewLogger(os.Stderr, cfg.App.LogLevel),
		client: c,
	}
	if withStore {
		env.store, err = settings.OpenSQLite(cfg.Client.SettingsPath)
		if err != nil {
			return nil, err
		}
	}
	return env, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func generateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Generate an image; unset flags reuse the saved form",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "Text prompt"},
			&cli.StringFlag{Name: "aspect-ratio", Aliases: []string{"a"}, Usage: "Aspect ratio, e.g. 16:9 or Auto"},
			&cli.StringFlag{Name: "resolution", Aliases: []string{"r"}, Usage: "1K, 2K or 4K"},
			&cli.StringFlag{Name: "api-key", Usage: "Gemini API key", Sources: cli.EnvVars("GEMINI_API_KEY")},
			&cli.StringSliceFlag{Name: "ref", Usage: "Reference image: local file, gallery path or URL (repeatable)"},
			&cli.BoolFlag{Name: "clear-refs", Usage: "Clear saved reference slots first"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Also write the image to this file"},
		}, serverFlags...),
		Action: runGenerate,
	}
}

func runGenerate(ctx context.Context, cmd *cli.Command) error {
	env, err := openClient(cmd, true)
	if err != nil {
		return err
	}
	defer env.Close()

	sess, err := client.OpenSession(env.client, env.store, env.logger)
	if err != nil {
		return err
	}
	err = sess.Update(func(f *settings.Settings) {
		if cmd.IsSet("prompt") {
			f.Prompt = cmd.String("prompt")
		}
		if cmd.IsSet("aspect-ratio") {
			f.AspectRatio = cmd.String("aspect-ratio")
		}
		if cmd.IsSet("resolution") {
			f.Resolution = cmd.String("resolution")
		}
		if cmd.IsSet("api-key") {
			f.APIKey = cmd.String("api-key")
		}
	})
	if err != nil {
		return err
	}

	if cmd.Bool("clear-refs") {
		sess.ClearReferences()
	}
	for _, ref := range cmd.StringSlice("ref") {
		if err := sess.AddReference(ctx, ref); err != nil {
			return err
		}
	}

	res, err := sess.Generate(ctx)
	if err != nil {
		return err
	}
	if out := cmd.String("out"); out != "" {
		if err := os.WriteFile(out, res.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
	}
	fmt.Println(res.URL)
	return nil
}

func galleryCommand() *cli.Command {
	return &cli.Command{
		Name:  "gallery",
		Usage: "List gallery images, newest first",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Search prompts"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number of images"},
		}, serverFlags...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			env, err := openClient(cmd, false)
			if err != nil {
				return err
			}
			defer env.Close()

			urls, err := env.client.Gallery(ctx, cmd.String("query"), int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			for _, u := range urls {
				fmt.Println(u)
			}
			return nil
		},
	}
}

func recallCommand() *cli.Command {
	return &cli.Command{
		Name:      "recall",
		Usage:     "Print an image's generation metadata; --apply restores it into the saved form",
		ArgsUsage: "<file | gallery url>",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{Name: "apply", Usage: "Restore prompt, settings and reference slots"},
		}, serverFlags...),
		Action: runRecall,
	}
}

func runRecall(ctx context.Context, cmd *cli.Command) error {
	target := cmd.Args().First()
	if target == "" {
		return errors.New("recall: image file or URL is required")
	}
	local := false
	if st, err := os.Stat(target); err == nil && !st.IsDir() {
		local = true
	}

	env, err := openClient(cmd, cmd.Bool("apply"))
	if err != nil {
		return err
	}
	defer env.Close()

	if !cmd.Bool("apply") {
		var meta any
		if local {
			data, err := os.ReadFile(target)
			if err != nil {
				return err
			}
			meta = pngmeta.Decode(data, pngmeta.DefaultKey)
		} else if meta, err = env.client.Metadata(ctx, target); err != nil && !errors.Is(err, client.ErrNoMetadata) {
			return err
		}
		if meta == nil {
			return client.ErrNoMetadata
		}
		return printJSON(meta)
	}

	sess, err := client.OpenSession(env.client, env.store, env.logger)
	if err != nil {
		return err
	}
	if local {
		err = sess.RecallFile(ctx, target)
	} else {
		err = sess.Recall(ctx, target)
	}
	if err != nil {
		return err
	}

	form := sess.Form()
	refs := make([]string, 0)
	for _, v := range sess.References() {
		switch {
		case v.SourceURL != "":
			refs = append(refs, v.SourceURL)
		case v.Name != "":
			refs = append(refs, v.Name)
		}
	}
	return printJSON(map[string]any{
		"prompt":       form.Prompt,
		"aspect_ratio": form.AspectRatio,
		"resolution":   form.Resolution,
		"references":   refs,
	})
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a gallery image",
		ArgsUsage: "<filename>",
		Flags:     serverFlags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name == "" {
				return errors.New("delete: filename is required")
			}
			env, err := openClient(cmd, false)
			if err != nil {
				return err
			}
			defer env.Close()
			return env.client.Delete(ctx, name)
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the PNG chunks and generation metadata of a local file",
		ArgsUsage: "<file>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("inspect: file is required")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			chunks, err := pngmeta.Chunks(data)
			if err != nil {
				return err
			}
			for _, c := range chunks {
				fmt.Fprintf(os.Stderr, "%s\t%d\n", c.Type, c.Length)
			}
			return printJSON(pngmeta.Decode(data, pngmeta.DefaultKey))
		},
	}
}
