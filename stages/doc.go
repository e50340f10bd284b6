// Package stages provides the built-in stages of a content pipeline and
// registers them under their plan names:
//
//	fetch_source    loads payload["source_url"] into payload["source"]
//	generate        LLM draft from payload["brief"] (pending items)
//	review          LLM review producing findings (pending, validated_ok)
//	refine          LLM revision using the revision notes (refining items)
//	lint            deterministic field rules
//	clean_findings  drops findings by severity or code
//	finalize        validated_ok -> terminal_success
//	persist         saves items through an observer.Saver
//
// The LLM stages are blocks.Stage values with default parameters; a plan may
// override any of them, for example to point refine at another prompt.
package stages
