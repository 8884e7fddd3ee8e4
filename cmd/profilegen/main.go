package main

import (
	"flag"

	"github.com/danmuck/rdpctl/internal/config"
	"github.com/danmuck/rdpctl/internal/logging"
	"github.com/rs/zerolog/log"
)

const defaultProfile = "cmd/rdpctl/profile.toml"

type options struct {
	output   string
	input    string
	server   string
	validate bool
	force    bool
}

func main() {
	logging.ConfigureRuntime()

	var opts options
	flag.StringVar(&opts.output, "output", "", "output path for the profile template")
	flag.BoolVar(&opts.validate, "validate", false, "validate an existing profile")
	flag.StringVar(&opts.input, "input", "", "profile path for validation (defaults to "+defaultProfile+")")
	flag.StringVar(&opts.server, "server", "", "server written into the template")
	flag.BoolVar(&opts.force, "force", false, "overwrite an existing profile")
	flag.Parse()

	if err := execute(opts); err != nil {
		log.Fatal().Err(err).Msg("profilegen")
	}
}

func execute(opts options) error {
	if opts.validate {
		path := opts.input
		if path == "" {
			path = defaultProfile
		}
		s, err := config.LoadProfile(path, config.Defaults())
		if err != nil {
			return err
		}
		log.Info().
			Str("path", path).
			Str("server", s.Address()).
			Strs("plugins", s.Plugins).
			Msg("validated profile")
		return nil
	}

	target := opts.output
	if target == "" {
		target = defaultProfile
	}
	s := config.Defaults()
	if opts.server != "" {
		s.Server = opts.server
	}
	if err := config.WriteProfile(target, s, opts.force); err != nil {
		return err
	}
	log.Info().Str("path", target).Msg("wrote profile template")
	return nil
}
