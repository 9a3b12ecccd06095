/*
Package config loads and validates Kiln's configuration.

Configuration comes from three layers, later layers winning: built-in
defaults, a YAML config file (/etc/kiln/config.yaml, $HOME/.kiln/config.yaml,
./config.yaml, or an explicit --config path), and KILN_-prefixed
environment variables with underscores for nesting (KILN_KV_MODE,
KILN_OBJECTSTORE_BUCKET).

The language registry is a separate YAML file mapping each supported language
to its runtime image, warm-pool size, timeout, statefulness, and aliases:

	languages:
	  python:
	    image: ghcr.io/kilnhq/runtime-python:3.12
	    pool_size: 2
	    timeout_sec: 30
	    stateful: true
	    aliases: [py, python3]

A pool_size of zero routes that language down the one-shot Job path instead
of the warm pool.

Validate catches the configuration mistakes that otherwise surface minutes
later as opaque pod or KV failures: invalid KV modes, sentinel without a
master name, mismatched TLS material, the nsenter-under-gVisor combination,
languages without images, and pool sizes that exceed the total pod ceiling.

Empty-string passwords and endpoint lists are treated as unset throughout;
deployment templating routinely injects empties for absent secrets.
*/
package config
