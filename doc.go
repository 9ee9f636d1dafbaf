// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package limitd holds the configuration of the limitd network front-end.
//
// Options are merged over documented defaults by NewConfig, which rejects a
// missing DB before anything else and then runs struct validation once. The
// resulting Config is immutable and passed by value to the server, the
// connection pipelines and the limiter backends.
//
// Options can be read from the environment with LoadOptions:
//
//	opts, err := limitd.LoadOptions(env.Options{Prefix: "LIMITD_"})
//	if err != nil {
//		return err
//	}
//	cfg, err := limitd.NewConfig(opts)
package limitd
