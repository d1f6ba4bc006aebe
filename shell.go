package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	. "github.com/CodedInternet/goservo/onboard"
)

func newShell(controller *Controller, log *zap.SugaredLogger) *ishell.Shell {
	servoIDs := func([]string) []string {
		list := controller.GetServoList()
		ids := make([]string, 0, len(list))
		for _, s := range list {
			ids = append(ids, s.ID)
		}
		return ids
	}

	shell := ishell.New()
	shell.Println("Servo development shell")
	shell.ShowPrompt(true)

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "status",
		Func: func(c *ishell.Context) {
			info := controller.Info()
			c.Printf("state: %s connected: %v simulated: %v\n", info.State, controller.IsConnected(), info.Simulated)
			c.Printf("pwm: %vHz, %d channels, safe angle %v\n", info.Frequency, info.MaxServos, info.SafeAngle)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "list",
		Help: "list",
		Func: func(c *ishell.Context) {
			for _, s := range controller.GetServoList() {
				lo, hi, _ := s.Config.Bounds()
				c.Printf("%-12s ch%-2d %-16q [%v, %v] enabled:%v bound:%v at %v\n",
					s.ID, s.Config.ChannelNumber(), s.Config.Name, lo, hi, s.Config.IsEnabled(), s.Bound, s.Position)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "set",
		Completer: servoIDs,
		Help:      "set <servo> <angle>",
		Func: func(c *ishell.Context) {
			if !needArgs(c, 2, "set <servo> <angle>") {
				return
			}
			angle, err := strconv.ParseFloat(c.Args[1], 64)
			if err != nil {
				c.Err(err)
				return
			}
			applied, err := controller.SetAngle(c.Args[0], angle)
			if err != nil {
				c.Err(err)
			}
			c.Printf("Servo %s at %v\n", c.Args[0], applied)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "pos",
		Completer: servoIDs,
		Help:      "pos <servo>",
		Func: func(c *ishell.Context) {
			if !needArgs(c, 1, "pos <servo>") {
				return
			}
			pos, err := controller.GetPosition(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(pos)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "positions",
		Help: "positions",
		Func: func(c *ishell.Context) {
			for id, pos := range controller.GetAllPositions() {
				c.Printf("%s: %v\n", id, pos)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "add",
		Help: "add <servo> name=<name> channel=<0-15> min_angle=<deg> max_angle=<deg> default_angle=<deg> [key=value...]",
		Func: func(c *ishell.Context) {
			if !needArgs(c, 1, "add <servo> key=value...") {
				return
			}
			cfg, err := parsePatch(c.Args[1:], log)
			if err != nil {
				c.Err(err)
				return
			}
			if err := controller.Add(c.Args[0], cfg); err != nil {
				c.Err(err)
				return
			}
			c.Printf("Servo %s added\n", c.Args[0])
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "update",
		Completer: servoIDs,
		Help:      "update <servo> key=value...",
		Func: func(c *ishell.Context) {
			if !needArgs(c, 2, "update <servo> key=value...") {
				return
			}
			patch, err := parsePatch(c.Args[1:], log)
			if err != nil {
				c.Err(err)
				return
			}
			if _, err := controller.Update(c.Args[0], patch); err != nil {
				c.Err(err)
				return
			}
			c.Printf("Servo %s updated\n", c.Args[0])
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "remove",
		Completer: servoIDs,
		Help:      "remove <servo>",
		Func: func(c *ishell.Context) {
			if !needArgs(c, 1, "remove <servo>") {
				return
			}
			if err := controller.Remove(c.Args[0]); err != nil {
				c.Err(err)
				return
			}
			c.Printf("Servo %s removed\n", c.Args[0])
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "sweep",
		Completer: servoIDs,
		Help:      "sweep <servo> [start|-] [end|-] [step] [delay]",
		Func: func(c *ishell.Context) {
			if !needArgs(c, 1, "sweep <servo> [start|-] [end|-] [step] [delay]") {
				return
			}
			opts, err := parseSweep(c.Args[1:])
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("Sweeping servo %s\n", c.Args[0])
			applied, err := controller.Sweep(context.Background(), c.Args[0], opts)
			if err != nil {
				c.Err(err)
			}
			c.Printf("Applied %v\n", applied)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "center",
		Help: "center",
		Func: func(c *ishell.Context) {
			for _, r := range controller.CenterAll() {
				if !r.OK {
					c.Printf("%s: failed at %v: %v\n", r.ID, r.Angle, r.Err)
					continue
				}
				c.Printf("%s: %v\n", r.ID, r.Angle)
			}
		},
	})

	for name, move := range map[string]func(string) (float64, error){
		"open":  controller.OpenServo,
		"close": controller.CloseServo,
	} {
		move := move
		shell.AddCmd(&ishell.Cmd{
			Name:      name,
			Completer: servoIDs,
			Help:      name + " <servo>",
			Func: func(c *ishell.Context) {
				if !needArgs(c, 1, c.Cmd.Help) {
					return
				}
				applied, err := move(c.Args[0])
				if err != nil {
					c.Err(err)
					return
				}
				c.Printf("Servo %s at %v\n", c.Args[0], applied)
			},
		})
	}

	return shell
}

func needArgs(c *ishell.Context, n int, usage string) bool {
	if len(c.Args) < n {
		c.Err(errors.Errorf("incorrect number of arguments. Usage: %s", usage))
		return false
	}
	return true
}

// parsePatch reads key=value arguments into a config. Unknown keys are
// logged and ignored.
func parsePatch(args []string, log *zap.SugaredLogger) (cfg ServoConfig, err error) {
	for _, arg := range args {
		kv := strings.SplitN(arg, "=", 2)
		if len(kv) != 2 {
			return cfg, errors.Errorf("expected key=value, have %q", arg)
		}
		key, value := kv[0], kv[1]

		var target **float64
		switch key {
		case "name":
			cfg.Name = value
			continue
		case "channel":
			ch, err := strconv.Atoi(value)
			if err != nil {
				return cfg, errors.Wrap(err, "channel")
			}
			cfg.Channel = Int(ch)
			continue
		case "enabled":
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return cfg, errors.Wrap(err, "enabled")
			}
			cfg.Enabled = Bool(enabled)
			continue
		case "min_angle":
			target = &cfg.MinAngle
		case "max_angle":
			target = &cfg.MaxAngle
		case "open_angle":
			target = &cfg.OpenAngle
		case "close_angle":
			target = &cfg.CloseAngle
		case "min_pulse_us":
			target = &cfg.MinPulseUs
		case "max_pulse_us":
			target = &cfg.MaxPulseUs
		case "default_angle":
			target = &cfg.DefaultAngle
		default:
			log.Warnw("ignoring unknown field", "field", key)
			continue
		}

		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return cfg, errors.Wrapf(err, "%s", key)
		}
		*target = Float(f)
	}
	return cfg, nil
}

// parseSweep reads [start|-] [end|-] [step] [delay]. A dash keeps the
// servo's own bound.
func parseSweep(args []string) (opts SweepOptions, err error) {
	opts.Delay = DefaultSweepDelay
	bound := func(arg string) (*float64, error) {
		if arg == "-" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, err
		}
		return Float(f), nil
	}

	if len(args) > 0 {
		if opts.Start, err = bound(args[0]); err != nil {
			return opts, errors.Wrap(err, "start")
		}
	}
	if len(args) > 1 {
		if opts.End, err = bound(args[1]); err != nil {
			return opts, errors.Wrap(err, "end")
		}
	}
	if len(args) > 2 {
		if opts.Step, err = strconv.ParseFloat(args[2], 64); err != nil {
			return opts, errors.Wrap(err, "step")
		}
	}
	if len(args) > 3 {
		if opts.Delay, err = parseDelay(args[3]); err != nil {
			return opts, errors.Wrap(err, "delay")
		}
	}
	return opts, nil
}

// parseDelay accepts a duration ("250ms") or plain seconds ("0.25").
func parseDelay(arg string) (time.Duration, error) {
	if d, err := time.ParseDuration(arg); err == nil {
		return d, nil
	}
	s, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, errors.Errorf("invalid delay %q", arg)
	}
	return time.Duration(s * float64(time.Second)), nil
}
