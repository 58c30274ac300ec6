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

package processor

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailetd",
			Subsystem: "processor",
			Name:      "dispatched",
			Help:      "Number of times mail was run through a processor",
		},
		[]string{"processor"},
	)
	stepErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailetd",
			Subsystem: "processor",
			Name:      "errors",
			Help:      "Number of matcher and mailet failures that moved mail to the error state",
		},
		[]string{"processor"},
	)
	busyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mailetd",
			Subsystem: "spool_manager",
			Name:      "busy_workers",
			Help:      "Number of spool manager workers currently processing mail",
		},
	)
	spoolFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailetd",
			Subsystem: "spool_manager",
			Name:      "faults",
			Help:      "Number of spool operations that failed during processing",
		},
	)
)

func init() {
	prometheus.MustRegister(dispatched)
	prometheus.MustRegister(stepErrors)
	prometheus.MustRegister(busyWorkers)
	prometheus.MustRegister(spoolFaults)
}
