/************************************************************************************
 *
 * wyre, a lightweight Go client for the Discord gateway and REST API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 The Wyre Authors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package wyre

const (
	LIB_NAME    = "wyre"
	LIB_VERSION = "0.1.0"
	// LIB_URL is advertised in the default User-Agent header, per the
	// platform's documented "DiscordBot (url, version)" convention.
	LIB_URL = "https://github.com/velyra/wyre"
)
