// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("mlpack", func(inst *config.Constructor) {
		var (
			ranks   int
			threads int
			grains  int
			spill   string
			system  bigmachine.System
		)
		inst.IntVar(&ranks, "ranks", 1, "number of ranks (machines) used for a run")
		inst.IntVar(&threads, "threads", 1, "solver threads per rank")
		inst.IntVar(&grains, "grains", 0, "number of work grains, 0 derives a default from threads and ranks")
		inst.StringVar(&spill, "spill", "", "directory prefix under which the master spills array blocks")
		inst.InstanceVar(&system, "system", "", "the bigmachine system used for runs")
		inst.Doc = "mlpack configures the mlpack distributed runtime"
		inst.New = func() (interface{}, error) {
			options := []Option{Ranks(ranks), Threads(threads)}
			if grains > 0 {
				options = append(options, Grains(grains))
			}
			if spill != "" {
				options = append(options, Spill(spill))
			}
			if system != nil {
				options = append(options, Bigmachine(system))
			}
			return Start(options...), nil
		}
	})
}
