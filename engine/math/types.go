package math

// Vec3 represents a 3D vector
type Vec3 struct {
	X, Y, Z float32
}

/** @brief a 4x4 matrix, typically used to represent object transformations. */
type Mat4 struct {
	/** @brief The matrix elements */
	Data [16]float32
}

// Affine3x4 is the row-major 3x4 transform the acceleration structure
// instance array expects: three rows, translation in the last column.
type Affine3x4 [12]float32
