/*
 * This file is part of the Go Cesium Point Cloud Tiler distribution (https://github.com/mfbonfigli/gocesiumtiler).
 * Copyright (c) 2019 Massimo Federico Bonfigli - m.federico.bonfigli@gmail.com
 *
 * This program is free software; you can redistribute it and/or modify it
 * under the terms of the GNU Lesser General Public License Version 3 as
 * published by the Free Software Foundation;
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
 * Lesser General Public License for more details.
 *
 * You should have received a copy of the GNU Lesser General Public License
 * along with this program. If not, see <http://www.gnu.org/licenses/>.
 *
 * This software also uses third party components. You can find information
 * on their credits and licensing in the file LICENSE-3RD-PARTIES.md that
 * you should have received togheter with the source code.
 */

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/urfave/cli/v2"

	"github.com/ecopia-map/cloud_indexer/internal/builder"
	"github.com/ecopia-map/cloud_indexer/internal/config"
	"github.com/ecopia-map/cloud_indexer/internal/indexer"
	"github.com/ecopia-map/cloud_indexer/pkg"
	"github.com/ecopia-map/cloud_indexer/pkg/collaborators"
	"github.com/ecopia-map/cloud_indexer/tools"
)

const VERSION = "0.4.0"

const logo = `
      _                 _      _           _
  ___| | ___  _   _  __| |    (_)_ __   __| | _____  _____ _ __
 / __| |/ _ \| | | |/ _  |    | | '_ \ / _  |/ _ \ \/ / _ \ '__|
| (__| | (_) | |_| | (_| |    | | | | | (_| |  __/>  <  __/ |
 \___|_|\___/ \__,_|\__,_|____|_|_| |_|\__,_|\___/_/\_\___|_|
                        |_____| An out of core point cloud octree indexer
  Copyright YYYY
`

func main() {
	app := &cli.App{
		Name:            "cloud-indexer",
		Usage:           "index point clouds into a chunked octree",
		Version:         VERSION,
		HideHelpCommand: true,
		Flags:           tools.GlobalFlags(),
		Before:          setupLogging,
		Commands: []*cli.Command{
			{
				Name:   indexer.CommandBuild.String(),
				Usage:  "insert input files into a new or existing index",
				Flags:  tools.BuildFlags(),
				Action: mainCommandBuild,
			},
			{
				Name:   indexer.CommandInfer.String(),
				Usage:  "preview input files and write an inference file",
				Flags:  tools.InferFlags(),
				Action: mainCommandInfer,
			},
			{
				Name:   indexer.CommandMerge.String(),
				Usage:  "merge the subset builds at an output into one index",
				Flags:  tools.MergeFlags(),
				Action: mainCommandMerge,
			},
			{
				Name:   indexer.CommandVerify.String(),
				Usage:  "check that a saved index is complete and consistent",
				Flags:  tools.VerifyFlags(),
				Action: mainCommandVerify,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		glog.Exitf("Error while indexing: %+v", err)
	}
	glog.Flush()
}

// glog registers its flags on the standard flag set, which urfave/cli does
// not parse.
func setupLogging(c *cli.Context) error {
	_ = flag.Set("logtostderr", "true")
	_ = flag.Set("v", strconv.Itoa(c.Int(tools.FlagVerbosity)))
	_ = flag.CommandLine.Parse(nil)

	if c.Bool(tools.FlagSilent) {
		tools.DisableLogger()
		_ = flag.Set("stderrthreshold", "WARNING")
		_ = flag.Set("logtostderr", "false")
		_ = flag.Set("alsologtostderr", "false")
	} else if c.Args().Present() {
		printLogo()
	}
	return nil
}

func parseConfig(c *cli.Context) (*config.Config, error) {
	doc, err := tools.ConfigDocument(c)
	if err != nil {
		return nil, err
	}
	profile := config.Profile(c.String(tools.FlagProfile))
	if profile == "" {
		profile = config.ProfileFull
	}
	cfg, err := config.Parse(doc, profile)
	if err != nil {
		return nil, err
	}
	glog.Infoln("config", tools.FmtJSONString(cfg))
	return cfg, nil
}

func collaboratorManager() (collaborators.CollaboratorManager, tools.FileFinder) {
	m := collaborators.NewCollaboratorManager()
	return m, tools.NewStandardFileFinder(m.Supports)
}

func mainCommandBuild(c *cli.Context) error {
	cfg, err := parseConfig(c)
	if err != nil {
		return err
	}
	opts := &indexer.IndexerOptions{
		Command:           indexer.CommandBuild,
		Config:            cfg,
		MaxFileInsertions: c.Int(tools.FlagRun),
	}

	defer timeTrack(time.Now(), "build")
	m, finder := collaboratorManager()
	return pkg.NewIndexerBuild(finder, m).RunIndexer(c.Context, opts)
}

func mainCommandInfer(c *cli.Context) error {
	cfg, err := parseConfig(c)
	if err != nil {
		return err
	}
	opts := &indexer.IndexerOptions{
		Command: indexer.CommandInfer,
		Config:  cfg,
	}

	defer timeTrack(time.Now(), "infer")
	m, finder := collaboratorManager()
	return pkg.NewIndexerInfer(finder, m).RunIndexer(c.Context, opts)
}

func mainCommandMerge(c *cli.Context) error {
	if c.String(tools.FlagOutput) == "" {
		return cli.Exit("Error parsing input parameters: output is required", 1)
	}
	threads := config.Config{Threads: c.IntSlice(tools.FlagThreads)}
	tmp := c.String(tools.FlagTmp)
	if tmp == "" {
		tmp = os.TempDir()
	}
	opts := &indexer.IndexerOptions{
		Command: indexer.CommandMerge,
		IndexerMergeOptions: &indexer.IndexerMergeOptions{
			Output:  c.String(tools.FlagOutput),
			Tmp:     tmp,
			Threads: builder.Threads{Work: threads.WorkThreads(), Clip: threads.ClipThreads()},
		},
	}

	defer timeTrack(time.Now(), "merge")
	m, _ := collaboratorManager()
	return pkg.NewIndexerMerge(m).RunIndexer(c.Context, opts)
}

func mainCommandVerify(c *cli.Context) error {
	if c.String(tools.FlagOutput) == "" {
		return cli.Exit("Error parsing input parameters: output is required", 1)
	}
	subset, err := tools.SubsetFromFlags(c)
	if err != nil {
		return err
	}
	opts := &indexer.IndexerOptions{
		Command: indexer.CommandVerify,
		IndexerVerifyOptions: &indexer.IndexerVerifyOptions{
			Output: c.String(tools.FlagOutput),
			Subset: subset,
		},
	}

	m, _ := collaboratorManager()
	return pkg.NewIndexerVerify(m).RunIndexer(c.Context, opts)
}

func timeTrack(start time.Time, name string) {
	elapsed := time.Since(start)
	tools.LogOutput(fmt.Sprintf("%s took %s", name, elapsed))
}

func printLogo() {
	fmt.Println(strings.ReplaceAll(logo, "YYYY", strconv.Itoa(time.Now().Year())))
}
