/*
Copyright © 2024 the HABSIM authors.
This file is part of HABSIM.

HABSIM is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

HABSIM is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with HABSIM.  If not, see <http://www.gnu.org/licenses/>.
*/

// Command habsimd bootstraps the HABSIM trajectory-prediction worker: it
// wires storage, caching, cycle management, and ensemble orchestration
// together and exposes them through a small set of direct subcommands.
// It does not itself speak HTTP or SSE; that transport lives in a separate
// collaborator process that calls into the same packages.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	habsim "github.com/ezzheng/habsim-sub000"
	"github.com/ezzheng/habsim-sub000/config"
	"github.com/ezzheng/habsim-sub000/herr"
	"github.com/ezzheng/habsim-sub000/predcache"
	"github.com/ezzheng/habsim-sub000/sim"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gocloud.dev/blob"
)

var log = logrus.StandardLogger()

var rootCmd = &cobra.Command{
	Use:   "habsimd",
	Short: "HABSIM balloon trajectory prediction worker",
	Long: `habsimd is the worker process for HABSIM, a balloon-trajectory
prediction service built on GEFS ensemble wind fields. Use the subcommands
below to serve background cache maintenance or to run a prediction
directly from the command line.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(launchEnsembleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openApp(ctx context.Context) (*app, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("habsimd: loading configuration: %w", err)
	}
	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, nil, fmt.Errorf("habsimd: opening bucket %s: %w", cfg.BucketURL, err)
	}
	a, err := newApp(ctx, cfg, log, bucket)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Stabilize the active cycle once, then run cache maintenance until interrupted; the cycle pointer is not re-read afterwards.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, _, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if _, _, err := a.cycle.AwaitStable(ctx); err != nil {
			log.WithError(err).Warn("habsimd: initial cycle stabilization did not complete before serve started")
		}

		log.Info("habsimd: serving; background reaper running")
		a.reaper.Run(ctx)
		return nil
	},
}

var predictArgs struct {
	lat, lon, launchAlt, burstAlt, floatTime, ascentRate, descentRate, descentCoeff float64
	epoch                                                                           float64
	member                                                                          int
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Run a single deterministic trajectory prediction and print it as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, _, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if _, _, err := a.cycle.AwaitStable(ctx); err != nil {
			return err
		}
		cyc, _ := a.cycle.Active()

		params := habsim.LaunchParams{
			LaunchEpoch:  predictArgs.epoch,
			Lat:          predictArgs.lat,
			Lon:          predictArgs.lon,
			LaunchAlt:    predictArgs.launchAlt,
			BurstAlt:     predictArgs.burstAlt,
			FloatTime:    predictArgs.floatTime,
			AscentRate:   predictArgs.ascentRate,
			DescentRate:  predictArgs.descentRate,
			DescentCoeff: predictArgs.descentCoeff,
			Member:       habsim.Member(predictArgs.member),
		}

		fingerprint := predcache.Fingerprint(params)
		if traj, ok := a.predcache.Get(fingerprint); ok {
			return printJSON(habsim.OK(traj))
		}

		key := keyFor(cyc, params.Member)
		simulator, token, err := a.simcache.Acquire(key, a.buildSimulator)
		if err != nil {
			return printJSON(resultFor(err))
		}
		defer token.Release()

		traj, err := sim.Fly(simulator, params)
		if err != nil {
			return printJSON(resultFor(err))
		}
		a.predcache.Put(fingerprint, traj)
		return printJSON(habsim.OK(traj))
	},
}

// resultFor translates a simulation error into the typed Result a transport
// layer would map onto the wire's "alt error"/"error" sentinels.
func resultFor(err error) habsim.Result {
	if herr.Is(err, herr.OutOfDomain) {
		return habsim.OutOfDomainResult(err)
	}
	return habsim.Failed(err)
}

var ensembleArgs struct {
	lat, lon, launchAlt, burstAlt, floatTime, ascentRate, descentRate, descentCoeff float64
	epoch                                                                          float64
	perturbations                                                                  int
	seed                                                                           int64
	members                                                                        []int
}

var launchEnsembleCmd = &cobra.Command{
	Use:   "launch-ensemble",
	Short: "Fan a launch out across members and Monte-Carlo perturbations.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, _, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		nominal := habsim.LaunchParams{
			LaunchEpoch:  ensembleArgs.epoch,
			Lat:          ensembleArgs.lat,
			Lon:          ensembleArgs.lon,
			LaunchAlt:    ensembleArgs.launchAlt,
			BurstAlt:     ensembleArgs.burstAlt,
			FloatTime:    ensembleArgs.floatTime,
			AscentRate:   ensembleArgs.ascentRate,
			DescentRate:  ensembleArgs.descentRate,
			DescentCoeff: ensembleArgs.descentCoeff,
		}

		members := make([]habsim.Member, 0, 21)
		if len(ensembleArgs.members) == 0 {
			for m := 0; m <= 20; m++ {
				members = append(members, habsim.Member(m))
			}
		} else {
			for _, m := range ensembleArgs.members {
				members = append(members, habsim.Member(m))
			}
		}

		a.reaper.SetEnsembleMode(true)
		defer a.reaper.SetEnsembleMode(false)

		res, err := a.orch.Run(ctx, nominal, members, ensembleArgs.perturbations, ensembleArgs.seed)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	predictCmd.Flags().Float64Var(&predictArgs.epoch, "epoch", 0, "launch time, seconds since Unix epoch")
	predictCmd.Flags().Float64Var(&predictArgs.lat, "lat", 0, "launch latitude, degrees")
	predictCmd.Flags().Float64Var(&predictArgs.lon, "lon", 0, "launch longitude, degrees")
	predictCmd.Flags().Float64Var(&predictArgs.launchAlt, "launch-alt", 0, "launch altitude, meters")
	predictCmd.Flags().Float64Var(&predictArgs.burstAlt, "burst-alt", 30000, "burst altitude, meters")
	predictCmd.Flags().Float64Var(&predictArgs.floatTime, "float-time", 0, "float duration, hours")
	predictCmd.Flags().Float64Var(&predictArgs.ascentRate, "ascent-rate", 5, "ascent rate, m/s")
	predictCmd.Flags().Float64Var(&predictArgs.descentRate, "descent-rate", 5, "descent rate, m/s")
	predictCmd.Flags().Float64Var(&predictArgs.descentCoeff, "descent-coeff", 1, "descent rate multiplier")
	predictCmd.Flags().IntVar(&predictArgs.member, "member", 0, "GEFS member, 0 is control")

	launchEnsembleCmd.Flags().Float64Var(&ensembleArgs.epoch, "epoch", 0, "launch time, seconds since Unix epoch")
	launchEnsembleCmd.Flags().Float64Var(&ensembleArgs.lat, "lat", 0, "launch latitude, degrees")
	launchEnsembleCmd.Flags().Float64Var(&ensembleArgs.lon, "lon", 0, "launch longitude, degrees")
	launchEnsembleCmd.Flags().Float64Var(&ensembleArgs.launchAlt, "launch-alt", 0, "launch altitude, meters")
	launchEnsembleCmd.Flags().Float64Var(&ensembleArgs.burstAlt, "burst-alt", 30000, "burst altitude, meters")
	launchEnsembleCmd.Flags().Float64Var(&ensembleArgs.floatTime, "float-time", 0, "float duration, hours")
	launchEnsembleCmd.Flags().Float64Var(&ensembleArgs.ascentRate, "ascent-rate", 5, "ascent rate, m/s")
	launchEnsembleCmd.Flags().Float64Var(&ensembleArgs.descentRate, "descent-rate", 5, "descent rate, m/s")
	launchEnsembleCmd.Flags().Float64Var(&ensembleArgs.descentCoeff, "descent-coeff", 1, "descent rate multiplier")
	launchEnsembleCmd.Flags().IntVar(&ensembleArgs.perturbations, "perturbations", 20, "Monte-Carlo draws per member")
	launchEnsembleCmd.Flags().Int64Var(&ensembleArgs.seed, "seed", 1, "deterministic perturbation seed")
	launchEnsembleCmd.Flags().IntSliceVar(&ensembleArgs.members, "members", nil, "GEFS members to include (default: 0..20)")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
