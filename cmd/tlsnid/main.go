// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// tlsnid terminates TLS connections and dispatches each handshake to the
// certificate covering the client's SNI name. It exists to demonstrate and
// exercise the SNI certificate dispatch core; the connection is closed right
// after the handshake completes and its parameters are logged.
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"net"
	"os"
	"runtime"

	"github.com/c2FmZQ/tlssni/config"
	"github.com/c2FmZQ/tlssni/connstate"
	"github.com/c2FmZQ/tlssni/tlscontext"
)

// Version is set with -ldflags="-X main.Version=${VERSION}"
var Version = "dev"

func main() {
	configFile := flag.String("config", "", "The config file name.")
	listenAddr := flag.String("listen", "localhost:8443", "The TCP address to listen on.")
	versionFlag := flag.Bool("v", false, "Show the version.")
	stdoutFlag := flag.Bool("stdout", false, "Log to STDOUT.")
	flag.Parse()

	if *versionFlag {
		os.Stdout.WriteString(Version + " " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH + "\n")
		return
	}
	if *stdoutFlag {
		log.SetOutput(os.Stdout)
	}
	if *configFile == "" {
		log.Fatal("--config must be set")
	}
	log.Printf("INF tlsnid %s %s %s/%s", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	cfg, err := config.ReadConfig(*configFile)
	if err != nil {
		log.Fatalf("ERR %v", err)
	}
	assembler, err := tlscontext.New(cfg, log.Printf)
	if err != nil {
		log.Fatalf("ERR %v", err)
	}

	ln, err := connstate.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("ERR %v", err)
	}
	log.Printf("INF listening on %s", ln.Addr())

	serverConfig := assembler.ServerConfig()
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("ERR accept: %v", err)
		}
		go handleConnection(conn, serverConfig)
	}
}

func handleConnection(conn net.Conn, serverConfig *tls.Config) {
	defer conn.Close()
	srv := tls.Server(conn, serverConfig)
	if err := srv.Handshake(); err != nil {
		log.Printf("ERR [%s] handshake: %v", conn.RemoteAddr(), err)
		return
	}
	cs := srv.ConnectionState()
	log.Printf("INF [%s] sni=%q proto=%q version=%x resumed=%v",
		conn.RemoteAddr(), cs.ServerName, cs.NegotiatedProtocol, cs.Version, cs.DidResume)
	if cs.NegotiatedProtocol == "h2" && !tlscontext.RequiresNegotiatedTLS12Plus(cs) {
		log.Printf("ERR [%s] h2 negotiated below TLS 1.2, dropping", conn.RemoteAddr())
		return
	}
	if c, ok := conn.(*connstate.Conn); ok && c.Renegotiated() {
		log.Printf("ERR [%s] renegotiation detected, dropping", conn.RemoteAddr())
	}
}
