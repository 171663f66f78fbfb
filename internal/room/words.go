// SPDX-License-Identifier: MIT

package room

import (
	"math/rand"
)

// vocabulary holds the memorable call-sign words drawn for generated room
// names. All entries are already in canonical form.
var vocabulary = []string{
	"adler", "amber", "anchor", "apollo", "arrow", "aspen", "atlas", "aurora",
	"badger", "basalt", "beacon", "birch", "bison", "bongo", "borealis", "bravo",
	"canyon", "cedar", "cipher", "cobalt", "cobra", "comet", "condor", "coral",
	"crane", "cueva", "delta", "drift", "echo", "ember", "falcon", "fjord",
	"flint", "gecko", "glacier", "granite", "harbor", "hawk", "heron", "ibis",
	"indigo", "jasper", "juniper", "kestrel", "kodiak", "lagoon", "lantern", "lark",
	"lotus", "lynx", "magnet", "maple", "marlin", "meadow", "mesa", "mistral",
	"nebula", "nova", "onyx", "orbit", "osprey", "otter", "pelican", "pines",
	"quartz", "raven", "reef", "ridge", "saber", "sierra", "sparrow", "summit",
	"tango", "tundra", "vertex", "violet", "walnut", "willow", "zenith", "zephyr",
}

// Draw returns a random memorable room name. Collisions against already
// published rooms are the caller's concern (redraw on conflict).
func Draw() string {
	return vocabulary[rand.Intn(len(vocabulary))] // #nosec G404 -- room names are public identifiers
}
