/*
Package router edits the reverse proxy's upstream file and asks the proxy to
validate and reload it.

The file holds one upstream line per slot address:

	upstream app {
	    server 127.0.0.1:8001 max_fails=3 fail_timeout=30s;
	    # server 127.0.0.1:8002 backup;
	}

Switching to the green slot rewrites exactly two lines. The active line is
pointed at the target, and the target's placeholder is pointed at the
previous slot:

	upstream app {
	    server 127.0.0.1:8002 max_fails=3 fail_timeout=30s;
	    server 127.0.0.1:8001 backup;
	}

Indentation and everything after the address are kept verbatim. A placeholder
without the backup marker stays commented.

# Reversibility

Every Switch returns an Edit holding whole-line replacements. Revert applies
them inverted and in reverse order, which gives back the original bytes. An
edit is refused before writing when its inverse would not reproduce the
original text, and each replaced line must occur exactly once; anything else
fails with ErrUnexpectedConfig and leaves the file alone.

If the proxy rejects the written file, Switch writes the original text back
itself before returning the error.

The file is rewritten in place so a single-file bind mount keeps seeing it.
*/
package router
