// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client speaks the limitd wire protocol.
//
// A Conn is a single connection; requests given to one Do call are written
// together and their responses read back in order. A Client keeps a Pool of
// Conns and is safe for concurrent use:
//
//	cl := client.New("127.0.0.1:9231", protobuf.Codec{}, client.PoolConfig{MaxIdle: 8})
//	defer cl.Close()
//
//	d, err := cl.Take(ctx, "ip", "10.0.0.1", 1)
//	if err != nil {
//		return err
//	}
//	if !d.Conformant {
//		// rate limited until d.Reset
//	}
//
// Error responses are returned as *ResponseError carrying the server's code.
package client
