/*
Package executor implements the manager-side operation lifecycle engine.

ExecuteAsync is the only way an operation starts: the scheduler, the API,
and the auto-restore path all route through it. It owns id assignment, the
maintenance-window pairing, record persistence, background execution, and
the terminal transition, including the scheduled-failure alert rule.
*/
package executor
