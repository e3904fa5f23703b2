// Package lane maps repository paths to the agent roles allowed to write them.
//
// A lane is a role plus a list of directory prefixes or globs. Lanes must not
// overlap: a path claimed by two roles stops planning with a
// LaneOverlapError instead of being assigned to either. Shared
// prefixes sit outside every lane and are written by all agents under
// explicit coordination; paths matching no lane are returned for manual
// assignment.
//
// Patterns containing any of "*?[{" are compiled with gobwas/glob using "/"
// as the separator; everything else is a directory prefix.
package lane
