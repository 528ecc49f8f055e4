// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mlpackcmd provides utilities for implementing mlpack-based
// command line tools. The main entry point, mlpackcmd.Main, configures
// an execution session according to a common set of flags, and then
// invokes the user's driver code.
//
// An mlpackcmd tool follows this form:
//
//	func main() {
//		var (
//			applicationFlag1 = flag.Int(...)
//			applicationFlag2 = ...
//		)
//		mlpackcmd.Main(func(sess *exec.Session, args []string) error {
//			ctx := context.Background()
//			if _, err := sess.Run(ctx, "allknn", param, args[0], os.Stdout); err != nil {
//				return err
//			}
//			// Do something else...
//			return nil
//		})
//	}
package mlpackcmd

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"

	"github.com/vovoma/mlpack/exec"
	"github.com/vovoma/mlpack/execflags"
)

// Main is a convenient entry point for an mlpackcmd. Main does not
// return; it should be called after other initialization is performed.
// Main parses (global) flags, and configures the execution session
// accordingly. Main then invokes the provided func with the session,
// which can be used to run computations. Main also passes the unparsed
// arguments.
//
// Main starts a diagnostic web server (default address :3333), using
// http.DefaultServeMux, which includes pprof handlers as well as
// bigmachine's aggregated pprof handlers.
//
// Main terminates the program after the user func returns. If it
// returns with an error, it is reported and the process exits with
// code 1, otherwise it exits successfully.
//
// Integration with other command line processing is best achieved
// using the execflags package and the Init and DisplayStatus
// functions.
func Main(main func(sess *exec.Session, args []string) error) {
	var fl execflags.Flags
	execflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	if err := main(sess, flag.Args()); err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init initializes an execution session according to the supplied
// flags.
func Init(bf execflags.Flags) (*exec.Session, error) {
	if bf.SystemHelp {
		providers, profiles := execflags.ProvidersAndProfiles()
		sort.Strings(providers)
		wr := bf.Output()
		str := []string{}
		fmt.Fprintf(wr, "%s\n\n", execflags.SystemHelpLong)
		fmt.Fprintf(wr, "The available providers are: %v\n",
			strings.Join(providers, ", "))
		for k, v := range profiles {
			str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
		}
		sort.Strings(str)
		for _, s := range str {
			wr.Write([]byte(s))
		}
		os.Exit(0)
	}
	options, err := bf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(bf, sess)
	return sess, nil
}

// DisplayStatus arranges for the execution status to be displayed on
// the console and/or a web page depending on the flags specified on
// the command line. The web page is hosted at /debug/status on
// http.DefaultServeMux.
func DisplayStatus(bf execflags.Flags, sess *exec.Session) {
	if bf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(bf.HTTPAddress.Address) > 0 {
		sess.HandleDebug(http.DefaultServeMux)
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP Status at: %v\n", bf.HTTPAddress)
			err := http.ListenAndServe(bf.HTTPAddress.Address, nil)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v\n", bf.HTTPAddress, err)
			}
		}()
	}
}
