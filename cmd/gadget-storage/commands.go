package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/mphacker/TeslaUSB-sub000/internal/cleanup"
	"github.com/mphacker/TeslaUSB-sub000/internal/fsck"
	"github.com/mphacker/TeslaUSB-sub000/internal/mode"
)

var checkModeFlag = &cli.StringFlag{
	Name:    "check-mode",
	Usage:   "Consistency check mode (quick, repair); overrides the configuration",
	EnvVars: []string{"GADGET_CHECK_MODE"},
}

var presentCommand = &cli.Command{
	Name:  "present",
	Usage: "Check every volume and expose the images to the USB host",
	Flags: []cli.Flag{checkModeFlag},
	Action: func(cliCtx *cli.Context) error {
		rt, err := newRuntime(cliCtx, true)
		if err != nil {
			return err
		}
		if s := cliCtx.String("check-mode"); s != "" {
			if rt.checkMode, err = fsck.ParseMode(s); err != nil {
				return err
			}
		}
		if err := rt.controller().EnterPresent(cliCtx.Context); err != nil {
			return err
		}
		fmt.Println("mode: present")
		return nil
	},
}

var editCommand = &cli.Command{
	Name:  "edit",
	Usage: "Withdraw the USB exposure and mount every volume read-write",
	Action: func(cliCtx *cli.Context) error {
		rt, err := newRuntime(cliCtx, true)
		if err != nil {
			return err
		}
		if err := rt.controller().EnterEdit(cliCtx.Context); err != nil {
			return err
		}
		fmt.Println("mode: edit")
		return nil
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Compare the recorded mode with the state of the host",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "json", Usage: "Print the report as JSON"},
	},
	Action: func(cliCtx *cli.Context) error {
		rt, err := newRuntime(cliCtx, false)
		if err != nil {
			return err
		}
		report, err := rt.controller().Status(cliCtx.Context)
		if err != nil {
			return err
		}

		if cliCtx.Bool("json") {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(statusJSON(report)); err != nil {
				return err
			}
		} else {
			printStatus(report)
		}
		if !report.Consistent() {
			return errors.New("host state does not match the recorded mode")
		}
		return nil
	},
}

var checkCommand = &cli.Command{
	Name:      "check",
	Usage:     "Run the consistency check on released volumes",
	ArgsUsage: "[volume...]",
	Flags:     []cli.Flag{checkModeFlag},
	Action: func(cliCtx *cli.Context) error {
		ctx := cliCtx.Context
		rt, err := newRuntime(cliCtx, true)
		if err != nil {
			return err
		}
		if s := cliCtx.String("check-mode"); s != "" {
			if rt.checkMode, err = fsck.ParseMode(s); err != nil {
				return err
			}
		}

		if attached, err := rt.driver.Attached(ctx); err != nil {
			return err
		} else if attached {
			return fmt.Errorf("gadget is attached, enter edit mode first: %w", errdefs.ErrFailedPrecondition)
		}

		vols := rt.volumes.All()
		if cliCtx.NArg() > 0 {
			vols = vols[:0]
			for _, name := range cliCtx.Args().Slice() {
				v, err := rt.volumes.ByName(name)
				if err != nil {
					return err
				}
				vols = append(vols, v)
			}
		}

		var failed error
		for _, v := range vols {
			if mp, err := rt.lc.MountedAccess(v.EditPath); err != nil {
				return err
			} else if mp != nil {
				return fmt.Errorf("volume %s is mounted at %s: %w", v.Name, v.EditPath, errdefs.ErrFailedPrecondition)
			}

			h, err := rt.lc.Bind(ctx, v.Image, v.Partition)
			if err != nil {
				return err
			}
			res, cerr := rt.checker.Check(ctx, v, h.Node, rt.checkMode)
			cleanup.Do(ctx, func(ctx context.Context) {
				if err := h.Release(ctx); err != nil {
					log.G(ctx).WithError(err).WithField("volume", v.Name).Warn("failed to release check binding")
				}
			})

			fmt.Printf("%s: %s\n", v.Name, res)
			if !res.OK() && failed == nil {
				failed = &mode.ConsistencyError{Volume: v.Name, Result: res, Cause: cerr}
			}
		}
		return failed
	},
}

var quickEditCommand = &cli.Command{
	Name:      "quick-edit",
	Usage:     "Run a command with one volume writable, under the quick-edit lock",
	ArgsUsage: "<volume> -- <command> [args...]",
	Description: "The command runs in the writable directory, which is also passed in\n" +
		"GADGET_EDIT_PATH. The volume returns to its previous posture afterwards.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "holder",
			Usage: "Name recorded in the lock",
			Value: "cli",
		},
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "How long to wait for a held lock (default from configuration)",
		},
	},
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.NArg() < 2 {
			return errors.New("usage: quick-edit <volume> -- <command> [args...]")
		}
		name := cliCtx.Args().First()
		argv := cliCtx.Args().Tail()
		if argv[0] == "--" {
			argv = argv[1:]
		}
		if len(argv) == 0 {
			return errors.New("no command given")
		}

		rt, err := newRuntime(cliCtx, true)
		if err != nil {
			return err
		}
		if wait := cliCtx.Duration("wait"); wait > 0 {
			rt.cfg.QuickEdit.Wait = wait
		}

		return rt.session().Run(cliCtx.Context, name, cliCtx.String("holder"), func(ctx context.Context, path string) error {
			cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
			cmd.Dir = path
			cmd.Env = append(os.Environ(), "GADGET_EDIT_PATH="+path)
			cmd.Stdin = os.Stdin
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd.Run()
		})
	},
}

var lockCommand = &cli.Command{
	Name:  "lock",
	Usage: "Inspect or clear the quick-edit lock",
	Subcommands: []*cli.Command{
		{
			Name:  "show",
			Usage: "Print the current lock holder",
			Action: func(cliCtx *cli.Context) error {
				rt, err := newRuntime(cliCtx, false)
				if err != nil {
					return err
				}
				r, err := rt.locks.Inspect()
				if err != nil {
					return err
				}
				if r == nil {
					fmt.Println("free")
					return nil
				}
				age := r.Age(time.Now())
				state := "held"
				if rt.locks.IsStale(r, time.Now()) {
					state = "stale"
				}
				fmt.Printf("%s by %s on %s for %s (token %s)\n", state, r.Holder, r.Volume, age.Round(time.Second), r.Token)
				return nil
			},
		},
		{
			Name:  "clear",
			Usage: "Remove the lock record regardless of its holder",
			Action: func(cliCtx *cli.Context) error {
				rt, err := newRuntime(cliCtx, false)
				if err != nil {
					return err
				}
				return rt.locks.Release(cliCtx.Context, nil)
			},
		},
	},
}
