/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package openmetrics serves the Prometheus metrics of the process over
// HTTP.
package openmetrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Endpoint struct {
	logger log.Logger

	listenersWg sync.WaitGroup
	serv        http.Server
	addr        net.Addr
}

// Listen starts serving /metrics on addr.
func Listen(addr string, logger log.Logger) (*Endpoint, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("openmetrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	e := &Endpoint{
		logger: logger,
		serv:   http.Server{Handler: mux},
		addr:   l.Addr(),
	}

	e.listenersWg.Add(1)
	go func() {
		defer e.listenersWg.Done()
		e.logger.Msg("listening", "addr", l.Addr().String())
		if err := e.serv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("serve failed", err, "addr", addr)
		}
	}()
	return e, nil
}

// Addr returns the address the endpoint listens on.
func (e *Endpoint) Addr() net.Addr {
	return e.addr
}

func (e *Endpoint) Close() error {
	if err := e.serv.Close(); err != nil {
		return err
	}
	e.listenersWg.Wait()
	return nil
}
