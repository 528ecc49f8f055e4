// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Allknn computes, for every point in a dataset, its k nearest
// neighbors under squared Euclidean distance. The dataset is a text
// file holding one point per row, with coordinates separated by
// spaces, commas, or tabs; lines starting with # are skipped. Local
// paths and s3:// URLs are accepted.
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

	"github.com/vovoma/mlpack/allknn"
	"github.com/vovoma/mlpack/exec"
	"github.com/vovoma/mlpack/mlpackcmd"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	var (
		k      = flag.Int("k", 10, "number of nearest neighbors to find for each point")
		output = flag.String("o", "", "write the report to this file instead of stdout")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: allknn [flags] <data-path>

Allknn finds the k nearest neighbors of every point in the dataset.
The report holds one line per neighbor found, nearest first:

	<row> <neighbor row> <squared distance>

The flags are:
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	mlpackcmd.Main(func(sess *exec.Session, args []string) error {
		if len(args) != 1 {
			flag.Usage()
		}
		var (
			out io.Writer = os.Stdout
			f   *os.File
		)
		if *output != "" {
			var err error
			f, err = os.Create(*output)
			if err != nil {
				return err
			}
			out = f
		}
		values, err := sess.Run(context.Background(), "allknn", &allknn.Param{K: *k}, args[0], out)
		if err != nil {
			return err
		}
		if f != nil {
			if err := f.Close(); err != nil {
				return err
			}
		}
		log.Printf("allknn: %d grains solved; %d node pairs visited, %d pruned; %d distances computed",
			values["solve.grains"], values["allknn.pairs"], values["allknn.prunes"], values["allknn.dists"])
		return nil
	})
}
