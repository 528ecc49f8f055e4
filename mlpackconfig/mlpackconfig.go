// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mlpackconfig provides a mechanism to create an execution
// session from a shared configuration. Mlpackconfig uses the
// configuration mechanism in package github.com/grailbio/base/config,
// and reads a default profile from $HOME/.mlpack/config.
// Configurations may be provisioned using the mlpack command.
package mlpackconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"

	"github.com/vovoma/mlpack/exec"
)

// Path determines the location of the mlpack profile read by Parse.
var Path = os.ExpandEnv("$HOME/.mlpack/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// configuration from Path defined in this package. Parse returns a
// session as configured by the configuration and any flags provided,
// together with a shutdown function that releases the session's
// machines. Parse panics if session creation fails.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("mlpack", &sess)
	return sess, sess.Shutdown
}
