/*
Package fvfile reads atomic force microscopy force volume files: Asylum
Research ARDF containers and Bruker Nanoscope (.spm, .pfc) files. Files are
memory mapped and only descriptors are decoded up front, curves and images
are read on demand.

Data Structure Documentation

Chunks

An ARDF file is a graph of chunks, each introduced by a 16-byte header.
All integers are little endian. The checksum is a CRC-32 (IEEE) over the
chunk, excluding the checksum field itself.

    Chunk header:
    +-------------------+------------------+-----------------+------------------+
    | checksum (4 bytes)|  size (4 bytes)  |  tag (4 bytes)  |  flags (4 bytes) |
    +-------------------+------------------+-----------------+------------------+

Tables of contents

Tables of contents (FTOC, TTOC, IMAG, VOLM, VTOC) share a 32-byte
header, followed by fixed-size entries. Entries are chunks themselves.
Trailing entries with a zero pointer (or, for VTOC, a zero checksum) are
padding.

    Table header:
    +------------------+-------------------+--------------------+--------------------+
    | header (16 bytes)|  size (8 bytes)   | entries (4 bytes)  |  stride (4 bytes)  |
    +------------------+-------------------+--------------------+--------------------+

    size = 32 + entries * stride, stride is 24 (FTOC, IMAG, VOLM), 32 (TTOC) or 40 (VTOC)

File

    File layout:
    +------+------+-------------+------+-------------+------+----------+----------+-----+
    | ARDF | FTOC | FTOC entries| TTOC | TTOC entries| TEXT | IMAG ... | VOLM ... | ... |
    +------+------+-------------+------+-------------+------+----------+----------+-----+

Volume

A volume starts with its descriptors, followed by one record per pixel.
Records are linked into a forward chain and indexed by the VTOC.

    Volume layout:
    +------+------+------+----------+------+------+------+--------+--------+-----+
    | VOLM | TTOC | VDEF | VCHN x n | XDEF | VTOC | MLOV | record | record | ... |
    +------+------+------+----------+------+------+------+--------+--------+-----+

    Record:
    +------+------+--------+--------+-----+--------+
    | VSET | VNAM | VDAT 1 | VDAT 2 | ... | VDAT n |
    +------+------+--------+--------+-----+--------+

    VDAT:
    +------------------+-----------+---------+----------+-------------+-------------+---------------------+
    | header (16 bytes)| index (4) | line (4)| point (4)| nfloats (4) | channel (4) | segments (5 x 4)    |
    +------------------+-----------+---------+----------+-------------+-------------+---------------------+
    | float32 samples (nfloats x 4 bytes) ...                                                             |
    +-----------------------------------------------------------------------------------------------------+

Samples [0, seg1) are the approach, [seg1, seg2) the retract. Values are
stored in metres and returned in nanometres.

Nanoscope

A Nanoscope file starts with a text header, terminated by 0x1A, followed
by raw integer data at the offsets named in the header. Sections begin with
"\*Name", entries are "\key: value".
*/
package fvfile
