package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/wavecache/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Edit the wavecache config file",
	Long:    paragraph(fmt.Sprintf("\n%s the wavecache config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created with the defaults.", keyword("Edit"))),
	Example: paragraph("wavecache config\nwavecache config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	// A broken file must stay editable, so only resolve its path
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return resolveConfigFile()
	},
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("wavecache", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func resolveConfigFile() error {
	if configFile != "" {
		return nil
	}
	dirs, err := config.Dirs()
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		return errors.New("no configuration directory")
	}
	configFile = filepath.Join(dirs[0], config.FileName+".yml")
	for _, d := range dirs {
		for _, ext := range []string{".yml", ".yaml"} {
			p := filepath.Join(d, config.FileName+ext)
			if _, err := os.Stat(p); err == nil {
				configFile = p
				return nil
			}
		}
	}
	return nil
}

func ensureConfigFile() error {
	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		body, err := config.DefaultYAML()
		if err != nil {
			return err
		}
		if err := os.WriteFile(configFile, body, 0o600); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
