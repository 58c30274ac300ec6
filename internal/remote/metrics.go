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

package remote

import "github.com/prometheus/client_golang/prometheus"

var (
	rcptResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailetd",
			Subsystem: "remote_delivery",
			Name:      "rcpts",
			Help:      "Outcome of delivery attempts per recipient",
		},
		[]string{"result"},
	)
	dsnGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailetd",
			Subsystem: "remote_delivery",
			Name:      "dsn",
			Help:      "Number of bounces generated for undeliverable mail",
		},
	)
)

func init() {
	prometheus.MustRegister(rcptResults)
	prometheus.MustRegister(dsnGenerated)
}
