/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package tdns

const TypeDSYNC = 0x0042 // 66 is the official IANA code

const TypeNOTIFY = 0x0F9A
const TypeCAPS = 0x0F9B    // new CAPABILITIES RR
const TypeMSIGNER = 0x0F9C
const TypeHSYNC = 0x0F9D
const TypeHSYNC2 = 0x0F9E
