// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Twopoint counts, for every point in a dataset, the other points
// within a given radius of it. The dataset is a text file holding one
// point per row, with coordinates separated by spaces, commas, or
// tabs; lines starting with # are skipped. Local paths and s3:// URLs
// are accepted.
//
// Twopoint runs with the session configured by the mlpack profile at
// $HOME/.mlpack/config, as provisioned by the mlpack command; profile
// values can be overridden with -set flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	"github.com/vovoma/mlpack/mlpackconfig"
	"github.com/vovoma/mlpack/twopoint"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	var (
		radius = flag.Float64("r", 1, "correlation radius; pairs at this distance or closer count")
		output = flag.String("o", "", "write the report to this file instead of stdout")
	)
	log.AddFlags()
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: twopoint [flags] <data-path>

Twopoint counts the pairs of dataset points within the correlation
radius. The report holds one line per point, in dataset order:

	<row> <number of other points within the radius>

The flags are:
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	sess, shutdown := mlpackconfig.Parse()
	defer shutdown()
	if flag.NArg() != 1 {
		flag.Usage()
	}
	var (
		out io.Writer = os.Stdout
		f   *os.File
	)
	if *output != "" {
		var err error
		f, err = os.Create(*output)
		must.Nil(err)
		out = f
	}
	values, err := sess.Run(context.Background(), "twopoint", &twopoint.Param{R: *radius}, flag.Arg(0), out)
	must.Nil(err, "twopoint")
	if f != nil {
		must.Nil(f.Close())
	}
	log.Printf("twopoint: %d ordered pairs within radius; %d node pairs visited, %d pruned, %d subsumed; %d distances computed",
		values["twopoint.within"], values["twopoint.pairs"], values["twopoint.prunes"],
		values["twopoint.subsumes"], values["twopoint.dists"])
}
