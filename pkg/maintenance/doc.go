/*
Package maintenance tracks per-target maintenance windows.

The tracker doubles as the per-target operation lock: TryStart is the only
way to open a window, and exactly one concurrent caller wins for a given
target. While a window is open the health monitor suppresses alerts for the
target and the executor refuses new operations on it.
*/
package maintenance
