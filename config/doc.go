/*
Package config holds the configuration file definitions.

sectfetch uses a single config file, sectfetch.conf. It is read at startup and
never reloaded. After changes, the serve command must be restarted.

Below is an "empty" config file, generated from the config file definitions in
the source code, along with comments explaining the fields. Fields named "x" are
placeholders for user-chosen map keys.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# sectfetch.conf

	# NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be
	# on their own line, they don't end a line. Do not escape or quote strings.
	# Details: https://pkg.go.dev/github.com/mjl-/sconf.


	# Directory where the message database and message files are stored. If this is a
	# relative path, it is relative to the directory of sectfetch.conf.
	DataDir:

	# Default log level, one of: error, info, debug, trace, tracedata. Trace logs the
	# protocol transcript of serve, tracedata also the literal data sent, which can be
	# a large amount of data.
	LogLevel:

	# Overrides of log level per package (e.g. imapfetch, message, store, serve).
	# (optional)
	PackageLogLevels:
		x:

	# Largest message or part header in bytes that is filtered for HEADER.FIELDS,
	# HEADER.FIELDS.NOT and MIME sections. Default 1048576. (optional)
	MaxHeaderSize: 0

	# Listener for the serve command.
	Listen:

		# Address to listen on for fetch requests, e.g. localhost:1143.
		Address:

		# Address for an HTTP server with Prometheus metrics at /metrics, e.g.
		# localhost:8010. Not started if empty. (optional)
		MetricsAddress:

		# Maximum length of a request line, in bytes. Default 8192. (optional)
		MaxLineSize: 0
*/
package config
