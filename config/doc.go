// Package config reads contentpipe configuration files and wires a Runtime.
//
// Stage plans are YAML lists of stage entries, each either a bare registered
// name or a struct with options:
//
//	name: article
//	stages:
//	  - generate
//	  - refine
//	  - name: lint
//	    params: {required: [title], min_length: {content: 200}}
//	    on_fail: {goto: refine, max_attempts: 2}
//	  - name: review
//	    parallel: 4
//	    timeout: 90s
//	    on_fail: {goto: refine, max_attempts: 2, final_status_on_exhaustion: rejected}
//	  - finalize
//	  - persist
//
// The application file (AppConfig) selects log level and format, the store,
// the LLM endpoint and the prompt directory. CONTENTPIPE_LLM_API_KEY and
// CONTENTPIPE_STORE_DSN override the file. Build turns an AppConfig into a
// Runtime whose Scheduler method resolves plans against the built-in stages.
package config
