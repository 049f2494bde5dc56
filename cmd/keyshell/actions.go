package main

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"keyshell/internal/action"
	"keyshell/internal/config"
	"keyshell/internal/keys"
)

// actionEnv is what global key actions act on.
type actionEnv struct {
	logger       *slog.Logger
	switchTo     func(name string) error
	backlightOff func() error
	run          func(args []string) error
}

// buildGlobalAction turns a global key binding into an action.
func buildGlobalAction(gk config.GlobalKeyConfig, env actionEnv) (keys.ID, *action.Action, error) {
	key := keys.ID(strings.ToUpper(gk.Key))
	if !key.Valid() {
		return "", nil, fmt.Errorf("invalid key %q", gk.Key)
	}

	var a *action.Action
	switch gk.Action {
	case config.ActionExec:
		if len(gk.Args) == 0 {
			return "", nil, fmt.Errorf("%s: exec needs a command", key)
		}
		args := append([]string(nil), gk.Args...)
		a = action.New("exec "+args[0], action.ErrFunc(func() error {
			return env.run(args)
		}))

	case config.ActionContext:
		if len(gk.Args) == 0 {
			return "", nil, fmt.Errorf("%s: context needs a name", key)
		}
		name := gk.Args[0]
		a = action.New("switch to "+name, action.ErrFunc(func() error {
			return env.switchTo(name)
		}))

	case config.ActionBacklightOff:
		if env.backlightOff == nil {
			return "", nil, fmt.Errorf("%s: backlight is not enabled", key)
		}
		a = action.New("backlight off", action.ErrFunc(env.backlightOff))

	default:
		return "", nil, fmt.Errorf("%s: unknown action %q", key, gk.Action)
	}

	a.ForceGlobal = gk.Force
	return key, a, nil
}

// startCommand runs args in the background and reaps it.
func startCommand(logger *slog.Logger) func(args []string) error {
	return func(args []string) error {
		cmd := exec.Command(args[0], args[1:]...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %s: %w", args[0], err)
		}
		logger.Debug("started command", "command", args[0], "pid", cmd.Process.Pid)
		go func() {
			if err := cmd.Wait(); err != nil {
				logger.Warn("command failed", "command", args[0], "error", err)
			}
		}()
		return nil
	}
}
