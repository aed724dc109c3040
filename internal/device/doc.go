// Package device models one managed cone and the transports that reach it.
//
// A Cone owns a transport Session and runs the connection state machine:
//
//	Disconnected → Connecting → Connected → (Authenticating) → Ready
//	      ↑                                                      │
//	      └──────── Reconnecting ←───── transport disconnect ────┘
//
// Transports (BLE, MQTT) implement Transport and hand decoded protocol events
// to the Cone through an EventSink. Commands are only written while the Cone is
// Ready; otherwise SendCommand fails with ErrNotReady and performs no I/O.
package device
