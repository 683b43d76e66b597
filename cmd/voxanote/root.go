package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxanote/voxanote/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "voxanote",
	Short: "Vocal audio to MIDI transcription",
	Long: `Voxanote analyses monophonic vocal recordings, detects the sung
pitches, segments them into discrete notes, and exports the melody as MIDI
and JSON. Run "serve" for the HTTP job service or "process" for one-shot
local processing.`,
}

func execute() {
	cobra.CheckErr(rootCmd.Execute())
}

// logLevelVar backs the default logger so the serve command can adjust the
// level when the config file changes.
var logLevelVar = new(slog.LevelVar)

// setupLogger installs a text slog handler at the configured level.
func setupLogger(level config.LogLevel) {
	logLevelVar.Set(slogLevel(level))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevelVar}))
	slog.SetDefault(logger)
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
