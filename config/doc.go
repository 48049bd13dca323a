/*
Package config holds the configuration file definitions.

imapsync reads a single configuration file, imapsync.conf, at startup. It is
never reloaded, changes take effect after a restart of "imapsync serve".

The file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details. Run "imapsync config
describe" for all fields with their documentation.

# Example

	LogLevel: info
	PackageLogLevels:
		imapclient: debug
	Listen: localhost:8020
	Accounts:
		work:
			Host: imap.example.com
			Username: mjl@example.com
			PasswordFile: work.password
			AuthMethods:
				- SCRAM-SHA-256-PLUS
				- SCRAM-SHA-256
			Compress: true
			Mailboxes:
				- INBOX
				- Lists/golang-nuts
			PollInterval: 2m
			Idle: true
			Trash: Trash
		personal:
			# Server is found with DNS SRV records for _imaps._tcp.example.org.
			Username: me@example.org
			TokenFile: personal.token
			HeaderCache: -
*/
package config
