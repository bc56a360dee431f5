// Package transport carries membership control messages between members.
//
// Network is an in-process fabric used by tests and single-binary demos; it
// can partition and heal links. GRPC sends each message as one unary call
// with a JSON body. Both deliver messages from one sender in the order they
// were sent and are generic over the message type.
package transport
