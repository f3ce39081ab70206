package main

import _ "embed"

// embeddedConfig is layered between the defaults and the external config
// file. Build scripts may replace embed_config.yaml before compiling.
//
//go:embed embed_config.yaml
var embeddedConfig []byte
