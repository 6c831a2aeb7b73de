// Package bot defines the interface that meeting bot implementations satisfy,
// along with the types exchanged between the engine and a bot joining a
// meeting on its behalf.
package bot
