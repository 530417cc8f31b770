// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bo provides native byte order selection.
//
// Implementation is architecture-specific via build tags where commonly known,
// and falls back to a portable runtime detection elsewhere. btltipc uses it to
// encode the handshake record in the local machine's native order and to let
// the peer recover that order from the handshake's sentinel field, without
// either side needing to know the other's architecture in advance.
package bo
