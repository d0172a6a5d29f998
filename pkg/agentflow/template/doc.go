/*
Package template renders node prompts from shared memory.

Placeholders have the form ${name} or ${name.field}, where the dotted form
walks nested maps. A bare $name is left alone so prompts can mention shell
variables and prices.

	out := template.Render("Summarize ${doc.title} for ${audience}", vars)

Strings are inserted verbatim. Maps and slices are inserted as compact
JSON; everything else uses its default formatting.

Missing variables are kept by default; see WithMissingAction. References
lists the names a prompt uses, which graph validation compares against a
node's input keys.

A Renderer is safe for concurrent use after construction.
*/
package template
