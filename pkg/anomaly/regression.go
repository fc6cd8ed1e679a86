package anomaly

// ridgeRegression solves a regularized least-squares fit of y against the
// rows of X via the normal equations. The L2 penalty keeps the system
// well-conditioned despite the heavily collinear lag/rolling features; the
// intercept is not penalized.
func ridgeRegression(X [][]float64, y []float64, lambda float64) (weights []float64, intercept float64) {
	n := len(X)
	d := len(X[0])

	// Augmented design: d feature columns plus an intercept column.
	dim := d + 1

	// A = XᵀX + λI, b = Xᵀy, built over the augmented design.
	A := make([][]float64, dim)
	for i := range A {
		A[i] = make([]float64, dim)
	}
	b := make([]float64, dim)

	at := func(row []float64, j int) float64 {
		if j == d {
			return 1.0
		}
		return row[j]
	}

	for _, row := range X {
		for i := 0; i < dim; i++ {
			vi := at(row, i)
			for j := i; j < dim; j++ {
				A[i][j] += vi * at(row, j)
			}
		}
	}
	for i := 0; i < dim; i++ {
		for j := 0; j < i; j++ {
			A[i][j] = A[j][i]
		}
	}
	for i := 0; i < d; i++ { // skip the intercept row
		A[i][i] += lambda * float64(n)
	}
	for r, row := range X {
		for i := 0; i < dim; i++ {
			b[i] += at(row, i) * y[r]
		}
	}

	solution := solveLinearSystem(A, b)
	return solution[:d], solution[d]
}

// solveLinearSystem performs Gaussian elimination with partial pivoting.
// A and b are modified in place; a singular pivot leaves that variable at 0.
func solveLinearSystem(A [][]float64, b []float64) []float64 {
	n := len(b)

	for col := 0; col < n; col++ {
		// Pivot: largest magnitude in this column.
		pivot := col
		for row := col + 1; row < n; row++ {
			if abs(A[row][col]) > abs(A[pivot][col]) {
				pivot = row
			}
		}
		if abs(A[pivot][col]) < 1e-12 {
			continue
		}
		A[col], A[pivot] = A[pivot], A[col]
		b[col], b[pivot] = b[pivot], b[col]

		for row := col + 1; row < n; row++ {
			factor := A[row][col] / A[col][col]
			for k := col; k < n; k++ {
				A[row][k] -= factor * A[col][k]
			}
			b[row] -= factor * b[col]
		}
	}

	x := make([]float64, n)
	for row := n - 1; row >= 0; row-- {
		if abs(A[row][row]) < 1e-12 {
			x[row] = 0
			continue
		}
		sum := b[row]
		for col := row + 1; col < n; col++ {
			sum -= A[row][col] * x[col]
		}
		x[row] = sum / A[row][row]
	}
	return x
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
