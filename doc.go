/*
Command imapsync keeps a local view of mailboxes on IMAP servers in sync.

  - Pipelined IMAP4rev1 client with IDLE, CONDSTORE/QRESYNC, COMPRESS=DEFLATE,
    UTF8=ACCEPT, ACL and MOVE.
  - Authentication with SCRAM-SHA-256(-PLUS), SCRAM-SHA-1(-PLUS), CRAM-MD5,
    PLAIN, LOGIN, OAUTHBEARER, XOAUTH2 and ANONYMOUS.
  - Persistent header and message caches, so only new messages are fetched.
  - Server discovery through DNS SRV records.
  - Background polling for new mail, with Prometheus metrics and a JSON API.

# Commands

	imapsync [-config imapsync.conf] [-loglevel level] ...
	imapsync serve
	imapsync check [-account name]
	imapsync list [-account name] [-subscribed] [pattern]
	imapsync status [-account name] [mailbox ...]
	imapsync sync [-account name] [flags] mailbox
	imapsync idle [-account name] [-wait duration] [mailbox]
	imapsync config test
	imapsync config describe >imapsync.conf
	imapsync cache usage [-account name]
	imapsync cache check [-account name]
	imapsync cache remove [-account name] mailbox
	imapsync dns srv domain
	imapsync help [command ...]
	imapsync version

Accounts are configured in imapsync.conf, specified through the -config flag
or IMAPSYNCCONF environment variable. Commands that work on a single account
take an -account flag, which can be left out if only one account is
configured.

# imapsync serve

Check the configured mailboxes of all accounts for new mail.

Each account keeps a connection to its server. Mailboxes are checked with
STATUS every poll interval, or with IDLE for accounts configured with Idle.
Connections are reestablished after errors.

If Listen is configured, Prometheus metrics are served at /metrics and a JSON
API with the status of accounts at /api/.

	usage: imapsync serve

# imapsync check

Connect to the IMAP server of an account and authenticate.

Prints the TLS connection details, the capabilities of the server, the hierarchy
delimiter and the server identification. No caches are used.

	usage: imapsync check [-account name]
	  -account string
	    	account to check, can be left out with a single configured account

# imapsync list

List mailboxes of an account.

The pattern can contain wildcards: * for any characters, % for any characters
except the hierarchy delimiter. The default pattern is *.

	usage: imapsync list [-account name] [-subscribed] [pattern]
	  -account string
	    	account, can be left out with a single configured account
	  -subscribed
	    	only list subscribed mailboxes, with LSUB

# imapsync status

Print the status of mailboxes.

Without account and mailboxes, the configured mailboxes of all accounts are
checked, with all STATUS commands pipelined. With an account but without
mailboxes, the configured mailboxes of that account are checked.

	usage: imapsync status [-account name] [mailbox ...]
	  -account string
	    	account, all accounts if empty and no mailboxes are given

# imapsync sync

Open a mailbox, synchronizing the header cache, and optionally change it.

Headers of messages not yet in the header cache are fetched, for other messages
only the flags are fetched. With -bodies, full messages not yet in the message
cache are fetched into it.

Flags can be changed for all messages with -markread, -markold and -delete.
Changes are pushed to the server in batches. With -delete, messages are first
copied to the configured Trash mailbox of the account, if any, and then
expunged.

	usage: imapsync sync [-account name] [flags] mailbox
	  -account string
	    	account, can be left out with a single configured account
	  -bodies
	    	fetch full messages into the message cache
	  -delete
	    	delete all messages, after copying them to trash
	  -examine
	    	open read-only with EXAMINE
	  -list
	    	print a line for each message
	  -markold
	    	mark all messages old
	  -markread
	    	mark all messages read

# imapsync idle

Open a mailbox and print changes as they happen.

If the server supports IDLE, it is used to get notified of changes. Otherwise
the mailbox is checked with NOOP after each wait period. Stops on interrupt.
The default mailbox is the first of the configured mailboxes of the account.

	usage: imapsync idle [-account name] [-wait duration] [mailbox]
	  -account string
	    	account, can be left out with a single configured account
	  -wait duration
	    	maximum time to wait for changes before checking again (default 1m0s)

# imapsync config test

Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.

	usage: imapsync config test

# imapsync config describe

Prints an annotated empty configuration for use as imapsync.conf.

The configuration file is read at startup, imapsync serve has to be restarted
for changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.

	usage: imapsync config describe >imapsync.conf

# imapsync cache usage

Print the number of cached headers and messages per mailbox.

	usage: imapsync cache usage [-account name]
	  -account string
	    	account, can be left out with a single configured account

# imapsync cache check

Check the consistency of the cache databases of an account.

	usage: imapsync cache check [-account name]
	  -account string
	    	account, can be left out with a single configured account

# imapsync cache remove

Remove all cached data for a mailbox.

Useful after a mailbox was removed on the server. The next time the mailbox is
selected, all headers are fetched again.

	usage: imapsync cache remove [-account name] mailbox
	  -account string
	    	account, can be left out with a single configured account

# imapsync dns srv

Look up the IMAP servers of an email domain through DNS SRV records.

Servers are printed in the order they would be tried. Both _imaps._tcp (TLS
immediate) and _imap._tcp (STARTTLS) records are looked up.

	usage: imapsync dns srv domain

# imapsync help

Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.

	usage: imapsync help [command ...]

# imapsync version

Prints this imapsync version.

	usage: imapsync version
*/
package main
