package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"homepi/internal/metrics"
	"homepi/internal/rules"
	logx "homepi/pkg/logx"
)

type SoundConfig struct {
	Player     string // default "ffplay"
	Downloader string // default "yt-dlp"
}

// CommandPlayer plays local files with ffplay and streams remote URLs
// through yt-dlp into ffplay.
type CommandPlayer struct {
	player     string
	downloader string
	log        logx.Logger
	metrics    *metrics.Recorder
}

func NewCommandPlayer(cfg SoundConfig, rec *metrics.Recorder, log logx.Logger) *CommandPlayer {
	if cfg.Player == "" {
		cfg.Player = "ffplay"
	}
	if cfg.Downloader == "" {
		cfg.Downloader = "yt-dlp"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandPlayer{
		player:     cfg.Player,
		downloader: cfg.Downloader,
		log:        log.With(logx.String("comp", "notify.sound")),
		metrics:    rec,
	}
}

// IsRemote reports whether source is an http(s) URL.
func IsRemote(source string) bool {
	s := strings.ToLower(source)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (p *CommandPlayer) Play(ctx context.Context, source string) error {
	source = strings.TrimSpace(source)
	var err error
	switch {
	case source == "":
		err = errors.New("empty sound source")
	case IsRemote(source):
		err = p.playStream(ctx, source)
	default:
		err = p.playFile(ctx, source)
	}
	p.metrics.Delivery("sound", err)
	if err != nil {
		p.log.Warn("sound playback failed", logx.String("source", source), logx.Err(err))
		return &rules.DeliveryError{Channel: "sound", Err: err}
	}
	p.log.Debug("sound played", logx.String("source", source))
	return nil
}

func (p *CommandPlayer) playFile(ctx context.Context, path string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.player, "-nodisp", "-autoexit", "-loglevel", "error", path)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return withStderr(p.player, err, &stderr)
	}
	return nil
}

func (p *CommandPlayer) playStream(ctx context.Context, url string) error {
	dl := exec.CommandContext(ctx, p.downloader, "-q", "-f", "bestaudio/best", "-o", "-", url)
	play := exec.CommandContext(ctx, p.player, "-nodisp", "-autoexit", "-loglevel", "error", "-i", "-")

	pipe, err := dl.StdoutPipe()
	if err != nil {
		return err
	}
	play.Stdin = pipe
	var dlErr, playErr bytes.Buffer
	dl.Stderr = &dlErr
	play.Stderr = &playErr

	if err := dl.Start(); err != nil {
		return fmt.Errorf("%s: %w", p.downloader, err)
	}
	if err := play.Start(); err != nil {
		_ = dl.Process.Kill()
		_ = dl.Wait()
		return fmt.Errorf("%s: %w", p.player, err)
	}

	// the player decides success; the downloader may die of SIGPIPE once
	// the player exits
	perr := play.Wait()
	if perr != nil {
		_ = dl.Process.Kill()
	}
	derr := dl.Wait()
	if perr != nil {
		return withStderr(p.player, perr, &playErr)
	}
	if derr != nil && ctx.Err() == nil {
		var exitErr *exec.ExitError
		if !errors.As(derr, &exitErr) || !exitErr.Exited() {
			return nil
		}
		return withStderr(p.downloader, derr, &dlErr)
	}
	return nil
}

func withStderr(bin string, err error, stderr *bytes.Buffer) error {
	msg := strings.TrimSpace(stderr.String())
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Errorf("%s: %w", bin, err)
	}
	return fmt.Errorf("%s: %w: %s", bin, err, msg)
}
