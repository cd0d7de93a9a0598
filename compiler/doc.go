/*
Package compiler turns IR built from guest code into host code.

	guest blocks ->
		front.Translate ->
	register IR (cfg.Graph) ->
		regusage ->
	context loads and stores ->
		df, ssa.Construct, opt, ssa.Deconstruct (high tier)
		ssa.RegisterToLocal (baseline) ->
	local IR ->
		back.Backend ->
	code, unwind info, relocations
*/
package compiler
