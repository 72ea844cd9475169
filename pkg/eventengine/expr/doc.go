/*
Package expr evaluates the small boolean expression language used by rule
predicates.

# Expression Syntax

	<expr> := <comparison>
	        | <expr> 'or' <expr>
	        | <expr> 'and' <expr>
	        | 'not' <expr>
	        | '!' <expr>
	        | <value>

	<comparison> := <value> <op> <value>
	<op> := '==' | '!=' | '<' | '>' | '<=' | '>=' | 'contains' | 'startswith' | 'matches'
	<value> := 'string' | "string" | number | true | false | null | identifier

'and' binds tighter than 'or'. Operators inside quoted strings are ignored when
splitting, so `message contains 'a and b'` compares against the literal.

# Comparison

== and != compare numerically when both sides are numbers (or timestamps) and
as strings otherwise. The ordering operators always compare numerically;
timestamps compare as Unix seconds. matches takes a regular expression on the
right-hand side.

# Variables

Identifiers resolve from the vars map. By default an unknown identifier is
treated as a string literal. With WithStrictVariables an unknown identifier is
an error wrapping ErrUnknownVariable, which rule evaluation treats as "does not
match".

	e := expr.New(expr.WithStrictVariables())
	ok, err := e.Evaluate("attempts >= 5 and user != 'root'", vars)
*/
package expr
