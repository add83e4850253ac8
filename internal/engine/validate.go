package engine

import "regexp"

var nickRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
var roomRE = regexp.MustCompile(`^#[A-Za-z][A-Za-z0-9_-]*$`)

// validNick reports whether s matches the identity grammar.
func validNick(s string) bool {
	return nickRE.MatchString(s)
}

// validRoom reports whether s matches the channel grammar: '#' followed
// by an identity-shaped name.
func validRoom(s string) bool {
	return roomRE.MatchString(s)
}
